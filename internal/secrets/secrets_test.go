package secrets

import (
	"encoding/base64"
	"testing"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func TestSealOpenRoundTrip(t *testing.T) {
	t.Parallel()

	box, err := NewBox(testKey())
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	sealed, err := box.Seal("0xprivatekey")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed[:4] != "enc:" {
		t.Fatalf("expected enc: prefix, got %q", sealed)
	}

	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened != "0xprivatekey" {
		t.Fatalf("expected round trip to recover plaintext, got %q", opened)
	}
}

func TestOpenRejectsMissingPrefix(t *testing.T) {
	t.Parallel()

	box, err := NewBox(testKey())
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	if _, err := box.Open("not-sealed"); err == nil {
		t.Fatalf("expected an error for a value missing the enc: prefix")
	}
}

func TestNewBoxRejectsShortKey(t *testing.T) {
	t.Parallel()

	if _, err := NewBox(base64.StdEncoding.EncodeToString(make([]byte, 16))); err == nil {
		t.Fatalf("expected an error for a key that doesn't decode to 32 bytes")
	}
}
