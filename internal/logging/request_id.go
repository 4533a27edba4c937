package logging

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
)

var requestCounter uint64

// GenerateRequestID returns "req-{counter}-{random hex}".
func GenerateRequestID() string {
	count := atomic.AddUint64(&requestCounter, 1)

	randomBytes := make([]byte, 8)
	if _, err := rand.Read(randomBytes); err != nil {
		return fmt.Sprintf("req-%d", count)
	}
	return fmt.Sprintf("req-%d-%s", count, hex.EncodeToString(randomBytes))
}
