package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const tokenPrefix = "gst"

// NewToken builds a guest session token: gst_<unix millis>_<32 hex chars>.
func NewToken(now time.Time) string {
	return fmt.Sprintf("%s_%d_%s", tokenPrefix, now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// ValidToken reports whether s has the shape of a token minted by NewToken.
func ValidToken(s string) bool {
	parts := strings.Split(s, "_")
	if len(parts) != 3 || parts[0] != tokenPrefix {
		return false
	}
	if len(parts[1]) == 0 || len(parts[1]) > 16 || !allIn(parts[1], "0123456789") {
		return false
	}
	return len(parts[2]) == 32 && allIn(parts[2], "0123456789abcdef")
}

func allIn(s, charset string) bool {
	for _, r := range s {
		if !strings.ContainsRune(charset, r) {
			return false
		}
	}
	return true
}
