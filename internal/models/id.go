package models

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// NewID returns a prefixed, lexicographically sortable id, e.g. "job_01H...".
// Safe for concurrent use; worker lanes mint event ids in parallel.
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, ulid.Make().String())
}
