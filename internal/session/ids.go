package session

import (
	"strings"

	"github.com/google/uuid"
)

const idSuffixLength = 12

// newID builds a prefixed short identifier, e.g. "sess_3fa85f642b88".
func newID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + raw[:idSuffixLength]
}
