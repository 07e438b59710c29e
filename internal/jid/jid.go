// Package jid provides helpers for canonical WhatsApp-style addresses
// ("JIDs") of the form user[:device]@server.
package jid

import "strings"

const (
	// UserServer is the server suffix for private (one-to-one) chats.
	UserServer = "s.whatsapp.net"
	// GroupServer is the server suffix for group chats.
	GroupServer = "g.us"
	// HiddenUserServer is the server suffix for privacy-preserving LIDs.
	HiddenUserServer = "lid"
)

// Normalize converts a JID to its canonical form: the device suffix is
// stripped from the user part so all devices of an account map to one key.
func Normalize(jid string) string {
	if jid == "" {
		return ""
	}
	user, server, ok := strings.Cut(jid, "@")
	if !ok {
		return jid
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user + "@" + server
}

// IsGroup reports whether the JID addresses a group chat.
func IsGroup(jid string) bool {
	return strings.HasSuffix(jid, "@"+GroupServer)
}

// IsPrivate reports whether the JID addresses a single user.
func IsPrivate(jid string) bool {
	return strings.HasSuffix(jid, "@"+UserServer) || strings.HasSuffix(jid, "@"+HiddenUserServer)
}

// ExtractPhone returns the user part of a JID, which for private chats is the
// phone number.
func ExtractPhone(jid string) string {
	user, _, _ := strings.Cut(Normalize(jid), "@")
	return user
}

// FromPhone builds a private-chat JID from a bare phone number. Numbers that
// already carry a server suffix are normalized and returned unchanged.
func FromPhone(phone string) string {
	phone = strings.TrimPrefix(strings.TrimSpace(phone), "+")
	if strings.Contains(phone, "@") {
		return Normalize(phone)
	}
	return phone + "@" + UserServer
}
