// Package auth derives and verifies the handshake credential workers
// present to the connection gate.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Credential returns the hex-encoded keyed digest a worker must present
// for a shard index: HMAC-SHA256 over the decimal index, keyed with the
// shared secret.
func Credential(secret string, shard int) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.Itoa(shard)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares a presented credential in constant time.
func Verify(secret string, shard int, presented string) bool {
	want := Credential(secret, shard)
	return hmac.Equal([]byte(want), []byte(presented))
}
