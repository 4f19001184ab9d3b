package kdf

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"southwinds.dev/voluma/internal/misc"
)

// PRF identifies the pseudo-random function used to stretch a passphrase
// into header key material. The value is recorded in the volume header so
// that mount can re-run the same derivation.
type PRF uint16

const (
	PRFArgon2id     PRF = 1
	PRFPbkdf2SHA256 PRF = 2
	PRFPbkdf2SHA512 PRF = 3
)

func (p PRF) String() string {
	switch p {
	case PRFArgon2id:
		return "argon2id"
	case PRFPbkdf2SHA256:
		return "pbkdf2-sha256"
	case PRFPbkdf2SHA512:
		return "pbkdf2-sha512"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(p))
	}
}

// Params carries the cost parameters for a derivation. Only the fields
// relevant to the selected PRF are consulted.
type Params struct {
	PRF        PRF
	Iterations int    // PBKDF2 iteration count
	Time       uint32 // Argon2 time cost
	Memory     uint32 // Argon2 memory cost in KiB
	Threads    uint8  // Argon2 parallelism
}

// DefaultParams returns the derivation parameters used for newly created
// volumes: Argon2id with the project-wide cost constants.
func DefaultParams() Params {
	return Params{
		PRF:     PRFArgon2id,
		Time:    misc.ArgonTime,
		Memory:  misc.ArgonMemory,
		Threads: misc.ArgonThreads,
	}
}

// DefaultPbkdf2Params returns the default cost parameters for a PBKDF2
// variant. Used when probing a header whose derivation function is not
// known in advance.
func DefaultPbkdf2Params(prf PRF) Params {
	return Params{
		PRF:        prf,
		Iterations: misc.Pbkdf2Iterations,
	}
}

// Validate enforces the security floors. Parameters below the floor are
// rejected at volume creation time; mount accepts whatever the header
// declares since the header was authenticated with those very parameters.
func (p Params) Validate() error {
	switch p.PRF {
	case PRFArgon2id:
		if p.Time < misc.ArgonTimeFloor {
			return fmt.Errorf("argon2id time cost %d below minimum %d", p.Time, misc.ArgonTimeFloor)
		}
		if p.Memory < misc.ArgonMemoryFloor {
			return fmt.Errorf("argon2id memory cost %d KiB below minimum %d KiB", p.Memory, misc.ArgonMemoryFloor)
		}
		if p.Threads == 0 {
			return fmt.Errorf("argon2id parallelism must be at least 1")
		}
	case PRFPbkdf2SHA256, PRFPbkdf2SHA512:
		if p.Iterations < misc.Pbkdf2IterationFloor {
			return fmt.Errorf("pbkdf2 iteration count %d below minimum %d", p.Iterations, misc.Pbkdf2IterationFloor)
		}
	default:
		return fmt.Errorf("unknown derivation function: %s", p.PRF)
	}
	return nil
}

// Derive stretches a passphrase (optionally mixed with a keyfile digest)
// and a salt into misc.KeySize bytes of key material.
//
// The derivation is deterministic: the same inputs always produce the same
// output, which is what makes trial header decryption possible. It is
// CPU-bound and blocking by design; callers that need responsiveness must
// run it off any latency-sensitive goroutine. The result is returned in a
// memguard locked buffer and every intermediate copy is wiped before return.
//
// The passphrase content is never validated - any byte sequence is an
// acceptable input. The only input error is a malformed salt length.
func Derive(passphrase, keyfileDigest []byte, saltEnclave *memguard.Enclave, params Params) (*memguard.LockedBuffer, error) {
	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}
	defer saltBuffer.Destroy()

	if len(saltBuffer.Bytes()) != misc.SaltSize {
		return nil, fmt.Errorf("malformed salt: expected %d bytes, got %d", misc.SaltSize, len(saltBuffer.Bytes()))
	}

	// Copy the salt out of the enclave so the derivation does not race
	// with the buffer being destroyed
	saltBytes := make([]byte, len(saltBuffer.Bytes()))
	copy(saltBytes, saltBuffer.Bytes())
	defer memguard.WipeBytes(saltBytes)

	// Mix keyfile material into the password. The digest is appended, not
	// XORed, so an empty passphrase plus keyfiles is still a valid input.
	password := make([]byte, 0, len(passphrase)+len(keyfileDigest))
	password = append(password, passphrase...)
	password = append(password, keyfileDigest...)
	defer memguard.WipeBytes(password)

	var derived []byte
	switch params.PRF {
	case PRFArgon2id:
		threads := params.Threads
		if threads == 0 {
			threads = 1
		}
		derived = argon2.IDKey(password, saltBytes, params.Time, params.Memory, threads, misc.KeySize)
	case PRFPbkdf2SHA256:
		derived = pbkdf2.Key(password, saltBytes, params.Iterations, misc.KeySize, sha256.New)
	case PRFPbkdf2SHA512:
		derived = pbkdf2.Key(password, saltBytes, params.Iterations, misc.KeySize, sha512.New)
	default:
		return nil, fmt.Errorf("unknown derivation function: %s", params.PRF)
	}

	// Protect the derived key immediately, then wipe the unprotected copy
	protected := memguard.NewBufferFromBytes(derived)

	return protected, nil
}
