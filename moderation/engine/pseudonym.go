package engine

import (
	"crypto/hmac"
	"encoding/hex"

	sha256 "github.com/minio/sha256-simd"
)

// Pseudonymize derives the stable, one-way identifier stored in place of a
// raw platform user id: hex(HMAC-SHA256(salt, id)) truncated to 32 chars.
func Pseudonymize(salt, rawID string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(rawID))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}
