package qr

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestDataURL(t *testing.T) {
	url, err := DataURL("2@AbCdEf,GhIjKl,MnOpQr")
	if err != nil {
		t.Fatalf("DataURL: %v", err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(url, prefix) {
		t.Fatalf("unexpected prefix: %.40s", url)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, prefix))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) < 8 || raw[1] != 'P' || raw[2] != 'N' || raw[3] != 'G' {
		t.Fatal("payload is not a PNG")
	}
}
