// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NodeName builds a node identifier of the form host-<short uuid>. Nodes
// sharing a grid need distinct names even when they run on the same host.
func (g Generator) NodeName() (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%s", host, id[len(id)-12:]), nil
}
