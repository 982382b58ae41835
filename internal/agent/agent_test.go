package agent

import (
	"errors"
	"testing"
)

func TestNormalize_Valid(t *testing.T) {
	addr, err := Normalize("0xAbCdEf0123456789abcdef0123456789ABCDEF01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Errorf("expected lower-case form, got %s", addr)
	}
}

func TestNormalize_TrimsWhitespace(t *testing.T) {
	addr, err := Normalize("  0x0000000000000000000000000000000000000001 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "0x0000000000000000000000000000000000000001" {
		t.Errorf("unexpected address: %s", addr)
	}
}

func TestNormalize_Invalid(t *testing.T) {
	cases := []string{
		"",
		"0x123",
		"abcdef0123456789abcdef0123456789abcdef01",   // missing 0x
		"0xabcdef0123456789abcdef0123456789abcdef0",  // 39 chars
		"0xabcdef0123456789abcdef0123456789abcdef012", // 41 chars
		"0xZZcdef0123456789abcdef0123456789abcdef01", // non-hex
	}
	for _, c := range cases {
		if _, err := Normalize(c); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("Normalize(%q): expected ErrInvalidAddress, got %v", c, err)
		}
	}
}
