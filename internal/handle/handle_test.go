package handle

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	local, domain, err := Parse("alice@node-a.example")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if local != "alice" || domain != "node-a.example" {
		t.Fatalf("unexpected parts: %q %q", local, domain)
	}
}

func TestParseSplitsAtFirstSeparator(t *testing.T) {
	local, domain, err := Parse("alice@chat@node-a.example")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if local != "alice" || domain != "chat@node-a.example" {
		t.Fatalf("unexpected parts: %q %q", local, domain)
	}
}

func TestParseMalformed(t *testing.T) {
	for _, raw := range []string{"", "alice", "@node-a.example", "alice@", "@"} {
		if _, _, err := Parse(raw); !errors.Is(err, ErrMalformedHandle) {
			t.Errorf("Parse(%q) = %v, want ErrMalformedHandle", raw, err)
		}
	}
}
