// Package uuid mints identifiers for stored rows.
package uuid

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixed returns prefix, a dash and the first 8 hex digits of a random
// UUID in upper case, e.g. "LOC-AB12CD34".
func Prefixed(prefix string) string {
	id := uuid.New()
	return prefix + "-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
}
