package jid

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5511999999999@s.whatsapp.net", "5511999999999@s.whatsapp.net"},
		{"5511999999999:12@s.whatsapp.net", "5511999999999@s.whatsapp.net"},
		{"123456-789@g.us", "123456-789@g.us"},
		{"no-server", "no-server"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsGroup(t *testing.T) {
	if !IsGroup("123456-789@g.us") {
		t.Error("group JID not detected")
	}
	if IsGroup("5511999999999@s.whatsapp.net") {
		t.Error("private JID reported as group")
	}
}

func TestExtractPhone(t *testing.T) {
	if got := ExtractPhone("5511999999999:3@s.whatsapp.net"); got != "5511999999999" {
		t.Errorf("got %q, want 5511999999999", got)
	}
}

func TestFromPhone(t *testing.T) {
	if got := FromPhone("+5511988887777"); got != "5511988887777@s.whatsapp.net" {
		t.Errorf("got %q, want leading + stripped", got)
	}
	if got := FromPhone("5511988887777"); got != "5511988887777@s.whatsapp.net" {
		t.Errorf("got %q, want 5511988887777@s.whatsapp.net", got)
	}
	if got := FromPhone("5511988887777@s.whatsapp.net"); got != "5511988887777@s.whatsapp.net" {
		t.Errorf("got %q, want unchanged JID", got)
	}
}
