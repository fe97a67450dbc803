package attachments

import (
	"strings"
	"testing"
)

func TestKeyIsContentAddressed(t *testing.T) {
	a := Key("u1", []byte("hello"))
	b := Key("u1", []byte("hello"))
	if a != b {
		t.Error("same payload must map to the same key")
	}
	if a == Key("u1", []byte("other")) {
		t.Error("different payloads must map to different keys")
	}
	if Key("u1", []byte("hello")) == Key("u2", []byte("hello")) {
		t.Error("keys must be scoped per user")
	}
	if !strings.HasPrefix(a, "u1/") {
		t.Errorf("key = %q, want user prefix", a)
	}
	// sha256("hello")
	if !strings.HasSuffix(a, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824") {
		t.Errorf("key = %q, want sha256 suffix", a)
	}
}
