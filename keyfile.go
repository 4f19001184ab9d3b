package voluma

import (
	"crypto/sha256"
	"fmt"
	"os"
)

// KeyfileDigest folds the contents of the given keyfiles into a single
// 32-byte digest that is mixed into key derivation alongside the passphrase.
//
// The digest is a SHA-256 chain: each file's contents are hashed together
// with the running digest, so both the file contents AND their order matter.
// Mounting must supply the same files in the same order used at creation.
//
// An empty path list returns (nil, nil); derivation then uses the passphrase
// alone.
func KeyfileDigest(paths []string) ([]byte, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	digest := make([]byte, 0, sha256.Size)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read keyfile %s: %w", path, err)
		}
		h := sha256.New()
		h.Write(digest)
		h.Write(data)
		digest = h.Sum(digest[:0])
	}
	return digest, nil
}
