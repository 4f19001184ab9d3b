package voluma

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/twofish"
	"golang.org/x/crypto/xts"
)

// CipherSuite identifies the cipher composition applied to the data region.
// The value is recorded in the volume header, so existing constants must
// never be renumbered.
type CipherSuite uint16

const (
	// SuiteAESXTS is AES-256 in XTS mode. The default.
	SuiteAESXTS CipherSuite = 1

	// SuiteTwofishXTS is Twofish-256 in XTS mode.
	SuiteTwofishXTS CipherSuite = 2

	// SuiteAESTwofishXTS is a cascade: plaintext is encrypted with
	// AES-256-XTS, then the result with Twofish-256-XTS, each stage under
	// an independent key. Decryption applies the stages in reverse.
	SuiteAESTwofishXTS CipherSuite = 3
)

func (s CipherSuite) String() string {
	switch s {
	case SuiteAESXTS:
		return "aes-xts"
	case SuiteTwofishXTS:
		return "twofish-xts"
	case SuiteAESTwofishXTS:
		return "aes-twofish-xts"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(s))
	}
}

// xtsKeySize is the key size for one XTS stage: two 256-bit keys, one for
// the data cipher and one for the tweak cipher.
const xtsKeySize = 64

// Per-stage HKDF info strings. Distinct strings guarantee the cascade
// stages never share a key even though they expand the same seed.
const (
	infoStageAES     = "voluma/stage/aes-xts/v1"
	infoStageTwofish = "voluma/stage/twofish-xts/v1"
)

// SectorTransform encrypts and decrypts fixed-size sectors. It is stateless
// after construction and safe for concurrent use; the same transform serves
// every worker goroutine of a mounted volume.
//
// Each sector is encrypted independently under its sector index, so sectors
// can be read and written in any order without chaining. Two different
// sectors never encrypt under the same tweak, and rewriting a sector reuses
// its tweak deliberately: sector storage has no room for per-write nonces,
// which is the standard trade-off of length-preserving disk encryption.
type SectorTransform struct {
	suite      CipherSuite
	sectorSize int
	stages     []*xts.Cipher // applied in order on encrypt, reversed on decrypt
}

// NewSectorTransform builds the transform for a cipher suite from the
// 64-byte master seed held in the enclave. Stage keys are expanded from the
// seed with HKDF-SHA256 under per-stage info strings; the seed itself never
// keys a cipher directly.
func NewSectorTransform(suite CipherSuite, sectorSize uint32, seed *memguard.Enclave) (*SectorTransform, error) {
	if sectorSize != 512 && sectorSize != 4096 {
		return nil, fmt.Errorf("unsupported sector size %d", sectorSize)
	}
	if seed == nil {
		return nil, fmt.Errorf("master seed enclave cannot be nil")
	}

	seedBuf, err := seed.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open master seed enclave: %w", err)
	}
	defer seedBuf.Destroy()

	t := &SectorTransform{suite: suite, sectorSize: int(sectorSize)}

	switch suite {
	case SuiteAESXTS:
		c, err := newStage(aes.NewCipher, seedBuf.Bytes(), infoStageAES)
		if err != nil {
			return nil, err
		}
		t.stages = []*xts.Cipher{c}
	case SuiteTwofishXTS:
		c, err := newStage(newTwofishCipher, seedBuf.Bytes(), infoStageTwofish)
		if err != nil {
			return nil, err
		}
		t.stages = []*xts.Cipher{c}
	case SuiteAESTwofishXTS:
		a, err := newStage(aes.NewCipher, seedBuf.Bytes(), infoStageAES)
		if err != nil {
			return nil, err
		}
		tf, err := newStage(newTwofishCipher, seedBuf.Bytes(), infoStageTwofish)
		if err != nil {
			return nil, err
		}
		t.stages = []*xts.Cipher{a, tf}
	default:
		return nil, fmt.Errorf("unsupported cipher suite %d", suite)
	}

	return t, nil
}

// newStage derives one 64-byte XTS stage key from the seed and constructs
// the stage cipher. The derived key is wiped before returning.
func newStage(cipherFunc func([]byte) (cipher.Block, error), seed []byte, info string) (*xts.Cipher, error) {
	key := make([]byte, xtsKeySize)
	defer memguard.WipeBytes(key)

	r := hkdf.New(sha256.New, seed, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to expand stage key: %w", err)
	}

	c, err := xts.NewCipher(cipherFunc, key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize stage cipher: %w", err)
	}
	return c, nil
}

func newTwofishCipher(key []byte) (cipher.Block, error) {
	return twofish.NewCipher(key)
}

// Suite returns the cipher suite this transform implements.
func (t *SectorTransform) Suite() CipherSuite { return t.suite }

// SectorSize returns the sector size in bytes.
func (t *SectorTransform) SectorSize() int { return t.sectorSize }

// EncryptSector encrypts one sector in place under its index. The buffer
// length must equal the sector size.
func (t *SectorTransform) EncryptSector(index uint64, sector []byte) error {
	if len(sector) != t.sectorSize {
		return fmt.Errorf("sector length %d does not match sector size %d", len(sector), t.sectorSize)
	}
	for _, stage := range t.stages {
		stage.Encrypt(sector, sector, index)
	}
	return nil
}

// DecryptSector decrypts one sector in place under its index, reversing the
// stage order used by EncryptSector.
func (t *SectorTransform) DecryptSector(index uint64, sector []byte) error {
	if len(sector) != t.sectorSize {
		return fmt.Errorf("sector length %d does not match sector size %d", len(sector), t.sectorSize)
	}
	for i := len(t.stages) - 1; i >= 0; i-- {
		t.stages[i].Decrypt(sector, sector, index)
	}
	return nil
}
