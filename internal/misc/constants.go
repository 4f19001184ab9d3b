package misc

const (
	// HeaderVersion defines the current on-disk volume header format version
	HeaderVersion = 1

	// ArgonTime Key derivation parameters (defaults)
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4

	// ArgonTimeFloor minimum accepted Argon2id parameters
	ArgonTimeFloor   uint32 = 3
	ArgonMemoryFloor uint32 = 64 * 1024

	// Pbkdf2Iterations default and floor for the PBKDF2 fallback PRF
	Pbkdf2Iterations     = 500000
	Pbkdf2IterationFloor = 200000

	// SaltSize length of the header salt in bytes, fixed per format version
	SaltSize = 32

	// KeySize length of derived key material in bytes (one full XTS key)
	KeySize = 64

	FilePermissions = 0600 // user read + write
)
