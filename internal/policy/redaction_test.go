package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesPlainTextAlone(t *testing.T) {
	out, changed := RedactPII("What's my balance today?")
	if changed {
		t.Fatalf("changed = true for %q", out)
	}
}

func TestRedactForLog(t *testing.T) {
	out := RedactForLog("Your balance is $2,450.75 and key sk-abcdefghijklmnop, Authorization: Bearer abc.def")
	for _, leaked := range []string{"2,450.75", "abcdefghijklmnop", "abc.def"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("output leaked %q: %q", leaked, out)
		}
	}
	if !strings.Contains(out, "[REDACTED_AMOUNT]") {
		t.Fatalf("output missing amount marker: %q", out)
	}
}

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":                   "",
		"short":              "****",
		"sk-proj-1234567890": "****7890",
	}
	for in, want := range cases {
		if got := MaskSecret(in); got != want {
			t.Fatalf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}
