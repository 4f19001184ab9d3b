package voluma

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"southwinds.dev/voluma/internal/kdf"
)

// newRequestID generates a unique request identifier for audit correlation.
func newRequestID() string {
	return fmt.Sprintf("v_%d", time.Now().UnixNano())
}

// randomBytes fills a fresh slice with cryptographically secure random data.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// candidateParams returns the derivation parameter sets to try against a
// header region. A pinned set is tried alone; otherwise every supported
// derivation function is probed with its defaults, Argon2id first since it
// is what newly created volumes use.
func candidateParams(pinned *kdf.Params) []kdf.Params {
	if pinned != nil {
		return []kdf.Params{*pinned}
	}
	return []kdf.Params{
		kdf.DefaultParams(),
		kdf.DefaultPbkdf2Params(kdf.PRFPbkdf2SHA256),
		kdf.DefaultPbkdf2Params(kdf.PRFPbkdf2SHA512),
	}
}
