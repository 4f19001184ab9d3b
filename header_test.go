package voluma

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/voluma/internal/kdf"
	"southwinds.dev/voluma/internal/misc"
)

func testHeaderKey(t *testing.T) *memguard.LockedBuffer {
	t.Helper()
	key := make([]byte, misc.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return memguard.NewBufferFromBytes(key)
}

func testHeader() *VolumeHeader {
	return &VolumeHeader{
		Version:    misc.HeaderVersion,
		Suite:      SuiteAESTwofishXTS,
		KDF:        kdf.Params{PRF: kdf.PRFPbkdf2SHA256, Iterations: misc.Pbkdf2Iterations},
		SectorSize: 512,
		VolumeUUID: uuid.New(),
		VolumeSize: 1 << 20,
		DataOffset: uint64(DataRegionStart),
		DataSize:   (1 << 20) - uint64(DataRegionStart) - HeaderSize,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := testHeader()
	h.DataSize -= h.DataSize % 512
	key := testHeaderKey(t)
	seed := testSeed(t)

	salt := make([]byte, headerSaltSize)
	_, err := rand.Read(salt)
	require.NoError(t, err)

	block, err := h.Encode(seed, salt, key)
	require.NoError(t, err)
	require.Len(t, block, HeaderSize)

	gotSalt, err := headerSalt(block)
	require.NoError(t, err)
	assert.Equal(t, salt, gotSalt)

	decoded, decodedSeed, err := DecodeHeader(block, key)
	require.NoError(t, err)
	require.NotNil(t, decodedSeed)

	assert.Equal(t, h.Version, decoded.Version)
	assert.Equal(t, h.Suite, decoded.Suite)
	assert.Equal(t, h.KDF, decoded.KDF)
	assert.Equal(t, h.SectorSize, decoded.SectorSize)
	assert.Equal(t, h.VolumeUUID, decoded.VolumeUUID)
	assert.Equal(t, h.VolumeSize, decoded.VolumeSize)
	assert.Equal(t, h.DataOffset, decoded.DataOffset)
	assert.Equal(t, h.DataSize, decoded.DataSize)
	assert.Equal(t, h.Flags, decoded.Flags)
	assert.Equal(t, h.CreatedAt, decoded.CreatedAt)
}

func TestHeaderDecodeWrongKey(t *testing.T) {
	h := testHeader()
	h.DataSize -= h.DataSize % 512

	salt := make([]byte, headerSaltSize)
	block, err := h.Encode(testSeed(t), salt, testHeaderKey(t))
	require.NoError(t, err)

	_, _, err = DecodeHeader(block, testHeaderKey(t))
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestHeaderDecodeRandomBlock(t *testing.T) {
	block := make([]byte, HeaderSize)
	_, err := rand.Read(block)
	require.NoError(t, err)

	// A region that never held a header fails exactly like a wrong key.
	_, _, err = DecodeHeader(block, testHeaderKey(t))
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestHeaderDecodeCorruptedBlock(t *testing.T) {
	h := testHeader()
	h.DataSize -= h.DataSize % 512
	key := testHeaderKey(t)

	salt := make([]byte, headerSaltSize)
	block, err := h.Encode(testSeed(t), salt, key)
	require.NoError(t, err)

	// Flip one bit in the encrypted payload.
	block[headerSaltSize+100] ^= 0x01

	_, _, err = DecodeHeader(block, key)
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestHeaderDecodeUnsupportedVersion(t *testing.T) {
	h := testHeader()
	h.DataSize -= h.DataSize % 512
	h.Version = misc.HeaderVersion + 1
	key := testHeaderKey(t)

	salt := make([]byte, headerSaltSize)
	block, err := h.Encode(testSeed(t), salt, key)
	require.NoError(t, err)

	// The region authenticates, so the failure names the version rather
	// than hiding behind a credential error.
	_, _, err = DecodeHeader(block, key)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	assert.NotErrorIs(t, err, ErrWrongPassword)
}

func TestHeaderDecodeRejectsImpossibleGeometry(t *testing.T) {
	h := testHeader()
	h.SectorSize = 1024
	key := testHeaderKey(t)

	salt := make([]byte, headerSaltSize)
	block, err := h.Encode(testSeed(t), salt, key)
	require.NoError(t, err)

	_, _, err = DecodeHeader(block, key)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrWrongPassword)
}

func TestHeaderEncodeRejectsBadInput(t *testing.T) {
	h := testHeader()
	key := testHeaderKey(t)

	_, err := h.Encode(testSeed(t), make([]byte, 16), key)
	assert.Error(t, err, "short salt")

	_, err = h.Encode(nil, make([]byte, headerSaltSize), key)
	assert.Error(t, err, "nil seed")

	shortSeed := memguard.NewEnclave(make([]byte, 32))
	_, err = h.Encode(shortSeed, make([]byte, headerSaltSize), key)
	assert.Error(t, err, "seed of the wrong length")
}

func TestHeaderSeedSurvivesRoundTrip(t *testing.T) {
	h := testHeader()
	h.DataSize -= h.DataSize % 512
	key := testHeaderKey(t)

	seedBytes := make([]byte, misc.KeySize)
	_, err := rand.Read(seedBytes)
	require.NoError(t, err)
	want := make([]byte, len(seedBytes))
	copy(want, seedBytes)

	salt := make([]byte, headerSaltSize)
	block, err := h.Encode(memguard.NewEnclave(seedBytes), salt, key)
	require.NoError(t, err)

	_, seed, err := DecodeHeader(block, key)
	require.NoError(t, err)

	buf, err := seed.Open()
	require.NoError(t, err)
	defer buf.Destroy()
	assert.Equal(t, want, buf.Bytes())
}

func TestProbeOffsets(t *testing.T) {
	offsets := probeOffsets(1 << 20)
	require.Len(t, offsets, 3)
	assert.Equal(t, PrimaryHeaderOffset, offsets[0])
	assert.Equal(t, HiddenHeaderOffset, offsets[1])
	assert.Equal(t, int64(1<<20)-HeaderSize, offsets[2])
}
