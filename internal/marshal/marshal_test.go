package marshal

import (
	"testing"

	"github.com/oriys/vatkernel/internal/domain"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	kref := domain.ObjectKRef(7)
	value := map[string]any{
		"name": "hello",
		"cap":  kref,
		"list": []any{kref, "plain"},
	}

	cd, err := Encode(value)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if cd.IsError() {
		t.Fatalf("expected ordinary cap data")
	}
	if len(cd.Slots) != 1 || cd.Slots[0] != kref {
		t.Fatalf("expected one deduplicated slot, got %v", cd.Slots)
	}

	decoded, err := Decode(cd)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", decoded)
	}
	if m["cap"] != kref {
		t.Fatalf("expected cap to round-trip to %v, got %v", kref, m["cap"])
	}
	list, ok := m["list"].([]any)
	if !ok || list[0] != kref {
		t.Fatalf("expected list[0] to round-trip to %v, got %v", kref, list)
	}
}

func TestDecodeRejectsMissingPrefix(t *testing.T) {
	_, err := Decode(domain.CapData{Body: `{"x":1}`})
	if err == nil {
		t.Fatalf("expected error for body missing '#' prefix")
	}
}

func TestEncodeErrorCapData(t *testing.T) {
	cd := domain.ErrorCapData("revoked object")
	if !cd.IsError() {
		t.Fatalf("expected error cap data")
	}
	if cd.ErrorMessage() != "revoked object" {
		t.Fatalf("got message %q", cd.ErrorMessage())
	}
}
