package utils

import (
	"crypto/md5"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// HashParts hashes parts joined by a separator that cannot appear in ids.
func HashParts(parts ...string) string {
	return HashString(strings.Join(parts, "\x1f"))
}

// NewID returns a 32 character hex id.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
