package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// RunID generates a run identifier like "run-implementer-<uuid>".
// The kind prefix keeps run ids greppable in logs and event payloads.
func RunID(kind string) string {
	kind = strings.TrimSpace(strings.ToLower(kind))
	if kind == "" {
		return fmt.Sprintf("run-%s", New())
	}
	return fmt.Sprintf("run-%s-%s", kind, New())
}
