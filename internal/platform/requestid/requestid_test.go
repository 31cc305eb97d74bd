package requestid

import (
	"context"
	"strings"
	"testing"
)

func TestNewIsUnique(t *testing.T) {
	a, b := New(), New()
	if a == "" || a == b {
		t.Fatalf("expected distinct ids, got %q %q", a, b)
	}
}

func TestSanitize(t *testing.T) {
	if id, ok := Sanitize(" rid-123 "); !ok || id != "rid-123" {
		t.Fatalf("Sanitize kept=%v id=%q", ok, id)
	}
	for _, bad := range []string{"", "has space", strings.Repeat("a", 129), "tab\there"} {
		if _, ok := Sanitize(bad); ok {
			t.Fatalf("Sanitize(%q) should reject", bad)
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithContext(context.Background(), "abc")
	if id, ok := FromContext(ctx); !ok || id != "abc" {
		t.Fatalf("FromContext=%q ok=%v", id, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("expected no id")
	}
}
