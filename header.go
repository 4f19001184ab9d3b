package voluma

import (
	"bytes"
	"crypto/aes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/crypto/xts"

	"southwinds.dev/voluma/internal/kdf"
	"southwinds.dev/voluma/internal/misc"
)

// On-disk geometry. A container holds up to three header copies plus the
// data region:
//
//	offset 0       primary header (512 bytes)
//	offset 65536   hidden volume header, or random bytes if none exists
//	offset 131072  start of the outer data region
//	size - 512     backup copy of the primary header
//
// Every header region is indistinguishable from random bytes without the
// right credentials. The hidden slot in particular is always present as a
// region; whether it holds a header or noise cannot be determined offline.
const (
	// HeaderSize is the size of one header region on disk.
	HeaderSize = 512

	// PrimaryHeaderOffset is the byte offset of the primary header.
	PrimaryHeaderOffset int64 = 0

	// HiddenHeaderOffset is the byte offset of the hidden volume header.
	HiddenHeaderOffset int64 = 64 * 1024

	// DataRegionStart is where the outer volume's data region begins.
	DataRegionStart int64 = 128 * 1024

	// MinDeviceSize is the smallest container that can hold the header
	// regions plus at least one data sector of either supported size.
	MinDeviceSize int64 = 256 * 1024
)

// backupHeaderOffset returns the offset of the backup header copy on a
// device of the given size.
func backupHeaderOffset(deviceSize int64) int64 {
	return deviceSize - HeaderSize
}

// probeOffsets lists the header locations tried during mount, in order:
// primary, hidden, backup. The first region that authenticates wins, so a
// hidden volume's credentials select the hidden header even though the
// primary region is probed first (the primary will not authenticate under
// them).
func probeOffsets(deviceSize int64) []int64 {
	return []int64{PrimaryHeaderOffset, HiddenHeaderOffset, backupHeaderOffset(deviceSize)}
}

// Encrypted payload layout. The 512-byte header region is a 32-byte
// plaintext salt followed by a 480-byte payload encrypted with AES-256-XTS
// under a key derived from the credentials and that salt. Fields are
// little-endian.
const (
	headerSaltSize    = misc.SaltSize
	headerPayloadSize = HeaderSize - headerSaltSize // 480, a multiple of the XTS block

	offMagic      = 0   // 4 bytes, "VLMA"
	offVersion    = 4   // uint16
	offSuite      = 6   // uint16
	offKdfPRF     = 8   // uint16
	offKdfIter    = 12  // uint32, PBKDF2 iterations (0 for Argon2id)
	offKdfTime    = 16  // uint32, Argon2id passes
	offKdfMemory  = 20  // uint32, Argon2id memory in KiB
	offKdfThreads = 24  // uint8
	offSectorSize = 28  // uint32
	offUUID       = 32  // 16 bytes
	offMasterSeed = 48  // 64 bytes
	offVolumeSize = 112 // uint64
	offDataOffset = 120 // uint64
	offDataSize   = 128 // uint64
	offFlags      = 136 // uint32
	offCreated    = 140 // uint64, unix seconds
	offChecksum   = headerPayloadSize - 4
)

var headerMagic = [4]byte{'V', 'L', 'M', 'A'}

// crcTable is the Castagnoli table used for the header integrity checksum.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Header flags.
const (
	// FlagHidden marks the header of a hidden volume.
	FlagHidden uint32 = 1 << 0
)

// VolumeHeader holds the decrypted header metadata of a volume. The master
// seed is deliberately not part of this struct; it travels in a memguard
// enclave and only ever touches regular memory inside Encode and
// DecodeHeader.
type VolumeHeader struct {
	Version    uint16
	Suite      CipherSuite
	KDF        kdf.Params
	SectorSize uint32
	VolumeUUID uuid.UUID
	VolumeSize uint64 // container size at creation time
	DataOffset uint64 // byte offset of this volume's data region
	DataSize   uint64 // data region length in bytes
	Flags      uint32
	CreatedAt  time.Time
}

// Hidden reports whether this header belongs to a hidden volume.
func (h *VolumeHeader) Hidden() bool {
	return h.Flags&FlagHidden != 0
}

// sectorCount returns the number of sectors in the data region.
func (h *VolumeHeader) sectorCount() uint64 {
	return h.DataSize / uint64(h.SectorSize)
}

// headerCipher builds the AES-256-XTS cipher used for header payloads.
// Headers always use AES-XTS regardless of the data region's suite, because
// the suite identifier itself lives inside the encrypted payload.
func headerCipher(key *memguard.LockedBuffer) (*xts.Cipher, error) {
	if key == nil || key.Size() != misc.KeySize {
		return nil, fmt.Errorf("header key must be %d bytes", misc.KeySize)
	}
	c, err := xts.NewCipher(aes.NewCipher, key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize header cipher: %w", err)
	}
	return c, nil
}

// Encode serializes the header and encrypts it into a 512-byte region
// block: the salt in plaintext, then the XTS-encrypted payload. The payload
// checksum is CRC32-Castagnoli over everything before the checksum field,
// which doubles as the authenticity test at decode time.
func (h *VolumeHeader) Encode(seed *memguard.Enclave, salt []byte, headerKey *memguard.LockedBuffer) ([]byte, error) {
	if len(salt) != headerSaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", headerSaltSize, len(salt))
	}
	if seed == nil {
		return nil, fmt.Errorf("master seed enclave cannot be nil")
	}

	seedBuf, err := seed.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open master seed enclave: %w", err)
	}
	defer seedBuf.Destroy()
	if seedBuf.Size() != misc.KeySize {
		return nil, fmt.Errorf("master seed must be %d bytes", misc.KeySize)
	}

	payload := make([]byte, headerPayloadSize)
	defer memguard.WipeBytes(payload)

	copy(payload[offMagic:], headerMagic[:])
	binary.LittleEndian.PutUint16(payload[offVersion:], h.Version)
	binary.LittleEndian.PutUint16(payload[offSuite:], uint16(h.Suite))
	binary.LittleEndian.PutUint16(payload[offKdfPRF:], uint16(h.KDF.PRF))
	binary.LittleEndian.PutUint32(payload[offKdfIter:], uint32(h.KDF.Iterations))
	binary.LittleEndian.PutUint32(payload[offKdfTime:], h.KDF.Time)
	binary.LittleEndian.PutUint32(payload[offKdfMemory:], h.KDF.Memory)
	payload[offKdfThreads] = h.KDF.Threads
	binary.LittleEndian.PutUint32(payload[offSectorSize:], h.SectorSize)
	copy(payload[offUUID:], h.VolumeUUID[:])
	copy(payload[offMasterSeed:], seedBuf.Bytes())
	binary.LittleEndian.PutUint64(payload[offVolumeSize:], h.VolumeSize)
	binary.LittleEndian.PutUint64(payload[offDataOffset:], h.DataOffset)
	binary.LittleEndian.PutUint64(payload[offDataSize:], h.DataSize)
	binary.LittleEndian.PutUint32(payload[offFlags:], h.Flags)
	binary.LittleEndian.PutUint64(payload[offCreated:], uint64(h.CreatedAt.Unix()))

	sum := crc32.Checksum(payload[:offChecksum], crcTable)
	binary.LittleEndian.PutUint32(payload[offChecksum:], sum)

	c, err := headerCipher(headerKey)
	if err != nil {
		return nil, err
	}

	block := make([]byte, HeaderSize)
	copy(block[:headerSaltSize], salt)
	c.Encrypt(block[headerSaltSize:], payload, 0)

	return block, nil
}

// DecodeHeader attempts to decrypt and validate a 512-byte header region
// under the given derived key.
//
// Authenticity is the magic value plus the payload checksum: with the wrong
// key the decryption yields noise and both checks fail together, so a wrong
// passphrase is indistinguishable from a region that never held a header.
// Both cases return ErrWrongPassword. A payload that authenticates but
// declares a newer format version returns ErrUnsupportedVersion.
//
// On success the master seed is sealed into the returned enclave and wiped
// from working memory before the function returns.
func DecodeHeader(block []byte, headerKey *memguard.LockedBuffer) (*VolumeHeader, *memguard.Enclave, error) {
	if len(block) != HeaderSize {
		return nil, nil, fmt.Errorf("header block must be %d bytes, got %d", HeaderSize, len(block))
	}

	c, err := headerCipher(headerKey)
	if err != nil {
		return nil, nil, err
	}

	payload := make([]byte, headerPayloadSize)
	defer memguard.WipeBytes(payload)
	c.Decrypt(payload, block[headerSaltSize:], 0)

	if !bytes.Equal(payload[offMagic:offMagic+4], headerMagic[:]) {
		return nil, nil, ErrWrongPassword
	}
	sum := binary.LittleEndian.Uint32(payload[offChecksum:])
	if sum != crc32.Checksum(payload[:offChecksum], crcTable) {
		return nil, nil, ErrWrongPassword
	}

	version := binary.LittleEndian.Uint16(payload[offVersion:])
	if version > misc.HeaderVersion {
		return nil, nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, version)
	}

	h := &VolumeHeader{
		Version:    version,
		Suite:      CipherSuite(binary.LittleEndian.Uint16(payload[offSuite:])),
		SectorSize: binary.LittleEndian.Uint32(payload[offSectorSize:]),
		VolumeSize: binary.LittleEndian.Uint64(payload[offVolumeSize:]),
		DataOffset: binary.LittleEndian.Uint64(payload[offDataOffset:]),
		DataSize:   binary.LittleEndian.Uint64(payload[offDataSize:]),
		Flags:      binary.LittleEndian.Uint32(payload[offFlags:]),
		CreatedAt:  time.Unix(int64(binary.LittleEndian.Uint64(payload[offCreated:])), 0).UTC(),
	}
	h.KDF = kdf.Params{
		PRF:        kdf.PRF(binary.LittleEndian.Uint16(payload[offKdfPRF:])),
		Iterations: int(binary.LittleEndian.Uint32(payload[offKdfIter:])),
		Time:       binary.LittleEndian.Uint32(payload[offKdfTime:]),
		Memory:     binary.LittleEndian.Uint32(payload[offKdfMemory:]),
		Threads:    payload[offKdfThreads],
	}
	copy(h.VolumeUUID[:], payload[offUUID:offUUID+16])

	// Authenticated but structurally impossible values mean the region was
	// written by a buggy or tampering writer, not by this codec.
	if h.SectorSize != 512 && h.SectorSize != 4096 {
		return nil, nil, fmt.Errorf("header declares unsupported sector size %d", h.SectorSize)
	}
	if h.DataSize%uint64(h.SectorSize) != 0 {
		return nil, nil, fmt.Errorf("header data size %d is not sector aligned", h.DataSize)
	}

	seed := make([]byte, misc.KeySize)
	copy(seed, payload[offMasterSeed:offMasterSeed+misc.KeySize])
	enclave := memguard.NewEnclave(seed) // NewEnclave wipes the source slice

	return h, enclave, nil
}

// headerSalt extracts the plaintext salt from a raw header region block.
func headerSalt(block []byte) ([]byte, error) {
	if len(block) != HeaderSize {
		return nil, fmt.Errorf("header block must be %d bytes, got %d", HeaderSize, len(block))
	}
	salt := make([]byte, headerSaltSize)
	copy(salt, block[:headerSaltSize])
	return salt, nil
}
