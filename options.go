package voluma

import (
	"fmt"
	"os"
	"strings"

	"southwinds.dev/voluma/audit"
	"southwinds.dev/voluma/internal/kdf"
)

// Options configures a VolumeManager.
type Options struct {
	// EnableMemoryLock requests that the process locks its pages in RAM so
	// key material cannot be written to swap. Lock failures degrade to
	// partial protection rather than failing manager creation; the achieved
	// level is available via ProtectionLevel().
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// UserID is attached to every audit event emitted by the manager.
	UserID string `json:"-"`

	// Audit configures audit logging. Nil disables auditing.
	Audit *audit.Config `json:"audit,omitempty"`

	// Workers caps the number of goroutines used for parallel sector
	// encryption and decryption. Zero means one worker per CPU.
	Workers int `json:"workers,omitempty"`
}

// DefaultOptions returns manager options with memory locking enabled and
// auditing disabled.
func DefaultOptions() Options {
	return Options{
		EnableMemoryLock: true,
	}
}

func (o Options) Validate() error {
	if o.Workers < 0 {
		return fmt.Errorf("workers cannot be negative: %d", o.Workers)
	}
	return nil
}

// MountOptions carries the credentials and tuning for a single mount.
type MountOptions struct {
	// Passphrase is the volume passphrase. If empty, PassphraseEnvVar is
	// consulted. An empty passphrase with keyfiles is valid; an empty
	// passphrase without keyfiles is also valid (the volume was then
	// created that way).
	Passphrase string `json:"-"`

	// PassphraseEnvVar names an environment variable holding the
	// passphrase, for callers that must not place secrets in argv or
	// config files.
	PassphraseEnvVar string `json:"passphrase_env_var,omitempty"`

	// KeyfilePaths lists keyfiles, in order, whose contents are mixed into
	// key derivation. Order matters.
	KeyfilePaths []string `json:"keyfile_paths,omitempty"`

	// KDF pins the key derivation parameters to try. Nil probes every
	// supported derivation function with its default parameters, which
	// covers volumes created with defaults. Volumes created with custom
	// parameters must be mounted with those parameters supplied here.
	KDF *kdf.Params `json:"kdf,omitempty"`

	// ReadOnly rejects WriteSectors and WriteAt on the mounted volume.
	ReadOnly bool `json:"read_only,omitempty"`
}

func (o MountOptions) Validate() error {
	if o.KDF != nil {
		if err := o.KDF.Validate(); err != nil {
			return err
		}
	}
	for _, p := range o.KeyfilePaths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("keyfile path cannot be empty")
		}
	}
	return nil
}

// passphrase resolves the effective passphrase, preferring the literal
// value over the environment variable.
func (o MountOptions) passphrase() (string, error) {
	if o.Passphrase != "" {
		return o.Passphrase, nil
	}
	if o.PassphraseEnvVar != "" {
		v, ok := os.LookupEnv(o.PassphraseEnvVar)
		if !ok {
			return "", fmt.Errorf("passphrase environment variable %s is not set", o.PassphraseEnvVar)
		}
		return v, nil
	}
	return "", nil
}

// CreateOptions configures volume creation.
type CreateOptions struct {
	// Size is the total container size in bytes, including header regions.
	// Required for file-backed containers that do not yet exist; ignored
	// when the target device already has a fixed size.
	Size int64 `json:"size"`

	// SectorSize is the encryption sector size. Zero selects 512. The only
	// other supported value is 4096.
	SectorSize uint32 `json:"sector_size,omitempty"`

	// Suite selects the cipher composition for the data region. Zero
	// selects SuiteAESXTS.
	Suite CipherSuite `json:"suite,omitempty"`

	// KDF sets key derivation parameters. Nil selects Argon2id defaults.
	KDF *kdf.Params `json:"kdf,omitempty"`

	Passphrase       string   `json:"-"`
	PassphraseEnvVar string   `json:"passphrase_env_var,omitempty"`
	KeyfilePaths     []string `json:"keyfile_paths,omitempty"`

	// FillRandom overwrites the entire data region with random bytes
	// before writing headers. Slow on large containers, but mandatory if a
	// hidden volume may ever be added: without it the hidden region is
	// distinguishable from unused space.
	FillRandom bool `json:"fill_random,omitempty"`

	// HiddenSize, when non-zero, also creates a hidden volume of that many
	// bytes inside the outer volume's data region, unlocked by
	// HiddenPassphrase instead of Passphrase.
	HiddenSize         int64    `json:"hidden_size,omitempty"`
	HiddenPassphrase   string   `json:"-"`
	HiddenKeyfilePaths []string `json:"hidden_keyfile_paths,omitempty"`
}

func (o CreateOptions) Validate() error {
	if o.SectorSize != 0 && o.SectorSize != 512 && o.SectorSize != 4096 {
		return fmt.Errorf("unsupported sector size %d: must be 512 or 4096", o.SectorSize)
	}
	switch o.Suite {
	case 0, SuiteAESXTS, SuiteTwofishXTS, SuiteAESTwofishXTS:
	default:
		return fmt.Errorf("unsupported cipher suite %d", o.Suite)
	}
	if o.KDF != nil {
		if err := o.KDF.Validate(); err != nil {
			return err
		}
	}
	if o.HiddenSize < 0 {
		return fmt.Errorf("hidden volume size cannot be negative")
	}
	if o.HiddenSize > 0 && o.HiddenPassphrase == "" && len(o.HiddenKeyfilePaths) == 0 {
		return fmt.Errorf("hidden volume requires a passphrase or keyfiles")
	}
	if o.HiddenSize > 0 && !o.FillRandom {
		return fmt.Errorf("hidden volume requires fill_random: without it the hidden region is distinguishable from unused space")
	}
	return nil
}

func (o CreateOptions) sectorSize() uint32 {
	if o.SectorSize == 0 {
		return 512
	}
	return o.SectorSize
}

func (o CreateOptions) suite() CipherSuite {
	if o.Suite == 0 {
		return SuiteAESXTS
	}
	return o.Suite
}

func (o CreateOptions) kdfParams() kdf.Params {
	if o.KDF != nil {
		return *o.KDF
	}
	return kdf.DefaultParams()
}

func (o CreateOptions) passphrase() (string, error) {
	m := MountOptions{Passphrase: o.Passphrase, PassphraseEnvVar: o.PassphraseEnvVar}
	return m.passphrase()
}
