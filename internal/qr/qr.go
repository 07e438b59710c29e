// Package qr renders pairing codes as data URLs for transport to browsers.
package qr

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const pngSize = 300

// DataURL encodes a pairing code as an inline PNG data URL.
func DataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, pngSize)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
