package util

import (
	"crypto/sha1"
	"encoding/hex"
)

// GetIDFromString returns a stable hex ID for a string, used as the
// artifact slot key derived from the download URL.
func GetIDFromString(str string) string {
	hasher := sha1.New()
	hasher.Write([]byte(str))

	return hex.EncodeToString(hasher.Sum(nil))
}
