package plan

import "testing"

func TestCanonicalizeOrderAndWhitespace(t *testing.T) {
	a := []byte(`{"steps": [ {"type":"command", "inputs": {"b": 2, "a": 1}} ], "name": "x"}`)
	b := []byte(`{"name":"x","steps":[{"inputs":{"a":1,"b":2},"type":"command"}]}`)

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("Canonicalize(a): %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("Canonicalize(b): %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("canonical forms differ:\n%s\n%s", ca, cb)
	}
	want := `{"name":"x","steps":[{"inputs":{"a":1,"b":2},"type":"command"}]}`
	if string(ca) != want {
		t.Fatalf("canonical = %s, want %s", ca, want)
	}
}

func TestCanonicalizePreservesNumberLiterals(t *testing.T) {
	got, err := Canonicalize([]byte(`{"timeout": 1.50, "big": 9007199254740993}`))
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"big":9007199254740993,"timeout":1.50}`
	if string(got) != want {
		t.Fatalf("canonical = %s, want %s", got, want)
	}
}

func TestCanonicalizeRejectsGarbage(t *testing.T) {
	if _, err := Canonicalize([]byte(`{"steps": [`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestDeriveKeyStable(t *testing.T) {
	raw := []byte(`[{"type":"asset-query","inputs":{"mode":"count"}}]`)
	c1, err := Canonicalize(raw)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	k1 := DeriveKey(c1, "tenant-1", "actor-1")

	// Re-deriving from the stored canonical snapshot must round-trip.
	c2, err := Canonicalize(c1)
	if err != nil {
		t.Fatalf("Canonicalize(canonical): %v", err)
	}
	if k2 := DeriveKey(c2, "tenant-1", "actor-1"); k2 != k1 {
		t.Fatalf("key changed across canonical round-trip: %s vs %s", k1, k2)
	}

	if DeriveKey(c1, "tenant-2", "actor-1") == k1 {
		t.Fatal("different tenants must not share keys")
	}
	if DeriveKey(c1, "tenant-1", "actor-2") == k1 {
		t.Fatal("different actors must not share keys")
	}
	if len(k1) != 64 {
		t.Fatalf("key length = %d, want 64 hex chars", len(k1))
	}
}
