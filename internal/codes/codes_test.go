package codes

import (
	"strings"
	"testing"
)

func TestNewSearchCode(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := NewSearchCode()
		if err != nil {
			t.Fatalf("NewSearchCode error: %v", err)
		}
		if !IsValidSearchCode(code) {
			t.Fatalf("generated search code %q is not valid", code)
		}
	}
}

func TestNewPIN(t *testing.T) {
	for i := 0; i < 100; i++ {
		pin, err := NewPIN()
		if err != nil {
			t.Fatalf("NewPIN error: %v", err)
		}
		if !IsValidPIN(pin) {
			t.Fatalf("generated pin %q is not valid", pin)
		}
	}
}

func TestPINAlphabetExcludesConfusables(t *testing.T) {
	for _, ch := range "0O1lI5S8B" {
		if strings.ContainsRune(pinAlphabet, ch) {
			t.Fatalf("pin alphabet must not contain %q", ch)
		}
	}
}

func TestNewMagicToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		token, err := NewMagicToken()
		if err != nil {
			t.Fatalf("NewMagicToken error: %v", err)
		}
		if token == "" {
			t.Fatalf("empty magic token")
		}
		if strings.ContainsAny(token, "+/=") {
			t.Fatalf("magic token %q is not url-safe", token)
		}
		if seen[token] {
			t.Fatalf("magic token %q repeated", token)
		}
		seen[token] = true
	}
}

func TestIsValidSearchCode(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		valid bool
	}{
		{
			name:  "valid code",
			code:  "12345678",
			valid: true,
		},
		{
			name:  "too short",
			code:  "1234567",
			valid: false,
		},
		{
			name:  "too long",
			code:  "123456789",
			valid: false,
		},
		{
			name:  "contains letters",
			code:  "1234567a",
			valid: false,
		},
		{
			name:  "empty string",
			code:  "",
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidSearchCode(tt.code)
			if got != tt.valid {
				t.Fatalf("IsValidSearchCode(%q) = %v, want %v", tt.code, got, tt.valid)
			}
		})
	}
}

func TestIsValidPIN(t *testing.T) {
	tests := []struct {
		name  string
		pin   string
		valid bool
	}{
		{
			name:  "valid pin",
			pin:   "AC234",
			valid: true,
		},
		{
			name:  "lowercase rejected",
			pin:   "ac234",
			valid: false,
		},
		{
			name:  "confusable zero rejected",
			pin:   "AC230",
			valid: false,
		},
		{
			name:  "wrong length",
			pin:   "AC23",
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidPIN(tt.pin)
			if got != tt.valid {
				t.Fatalf("IsValidPIN(%q) = %v, want %v", tt.pin, got, tt.valid)
			}
		})
	}
}
