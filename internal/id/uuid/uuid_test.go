// Package uuid includes tests for the UUID generator wrapper.
package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique and valid UUIDs.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	parsed, err := goUUID.Parse(id1)
	if err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}

// TestGeneratorNodeName checks node names are distinct and carry a uuid suffix.
func TestGeneratorNodeName(t *testing.T) {
	t.Parallel()

	gen := New()
	a, err := gen.NodeName()
	if err != nil {
		t.Fatalf("NodeName() error = %v", err)
	}
	b, err := gen.NodeName()
	if err != nil {
		t.Fatalf("NodeName() error = %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct node names, got %s twice", a)
	}
	if idx := strings.LastIndex(a, "-"); idx < 0 || len(a)-idx-1 != 12 {
		t.Fatalf("unexpected node name shape %q", a)
	}
}
