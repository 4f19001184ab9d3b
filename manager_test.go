package voluma

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/voluma/internal/kdf"
	"southwinds.dev/voluma/internal/misc"
	"southwinds.dev/voluma/storage"
)

const testPassphrase = "correct horse battery staple"

// testKDF keeps derivation cheap. The floor iteration count is still two
// orders of magnitude above what a unit test needs, but it is what Validate
// will accept.
var testKDF = kdf.Params{PRF: kdf.PRFPbkdf2SHA256, Iterations: misc.Pbkdf2IterationFloor}

func newTestManager(t *testing.T) *VolumeManager {
	t.Helper()
	vm, err := NewVolumeManager(Options{Workers: 2})
	require.NoError(t, err)
	t.Cleanup(func() { vm.Close() })
	return vm
}

func testMountOptions() MountOptions {
	k := testKDF
	return MountOptions{Passphrase: testPassphrase, KDF: &k}
}

// formatTestDevice creates an in-memory device and formats a volume on it.
func formatTestDevice(t *testing.T, vm *VolumeManager, size int64, mutate ...func(*CreateOptions)) *storage.MemDevice {
	t.Helper()
	device := storage.NewMemDevice(t.Name(), size)
	k := testKDF
	opts := CreateOptions{Passphrase: testPassphrase, KDF: &k}
	for _, m := range mutate {
		m(&opts)
	}
	_, err := vm.FormatDevice(context.Background(), device, opts)
	require.NoError(t, err)
	return device
}

func TestFormatAndMount(t *testing.T) {
	vm := newTestManager(t)
	device := formatTestDevice(t, vm, 1<<20)

	v, err := vm.MountDevice(context.Background(), device, testMountOptions())
	require.NoError(t, err)

	assert.NotEqual(t, "", v.UUID().String())
	assert.Equal(t, uint32(512), v.SectorSize())
	assert.Equal(t, SuiteAESXTS, v.Suite())
	assert.False(t, v.Hidden())
	assert.Equal(t, int64((1<<20)-DataRegionStart-HeaderSize), v.Size())

	require.NoError(t, v.Unmount())
}

func TestSectorIORoundTrip(t *testing.T) {
	vm := newTestManager(t)
	device := formatTestDevice(t, vm, 1<<20)

	v, err := vm.MountDevice(context.Background(), device, testMountOptions())
	require.NoError(t, err)
	defer v.Unmount()

	ctx := context.Background()
	data := make([]byte, 8*512)
	_, err = rand.Read(data)
	require.NoError(t, err)

	require.NoError(t, v.WriteSectors(ctx, 3, data))

	got, err := v.ReadSectors(ctx, 3, 8)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The ciphertext on the device must not contain the plaintext.
	snapshot := device.Snapshot()
	assert.NotContains(t, string(snapshot), string(data[:64]))
}

func TestMountWrongPassphrase(t *testing.T) {
	vm := newTestManager(t)
	device := formatTestDevice(t, vm, 1<<20)

	opts := testMountOptions()
	opts.Passphrase = "not the passphrase"

	_, err := vm.MountDevice(context.Background(), device, opts)
	require.ErrorIs(t, err, ErrWrongPassword)

	var mountErr *MountError
	require.ErrorAs(t, err, &mountErr)
	assert.Equal(t, device.Locator(), mountErr.Device)
}

func TestMountNotAVolume(t *testing.T) {
	vm := newTestManager(t)

	device := storage.NewMemDevice(t.Name(), 1<<20)
	noise := make([]byte, 1<<20)
	_, err := rand.Read(noise)
	require.NoError(t, err)
	_, err = device.WriteAt(noise, 0)
	require.NoError(t, err)

	// Random bytes and a wrong passphrase produce the same error; nothing
	// reveals whether a volume exists at all.
	_, err = vm.MountDevice(context.Background(), device, testMountOptions())
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestMountDeviceTooSmall(t *testing.T) {
	vm := newTestManager(t)
	device := storage.NewMemDevice(t.Name(), 4096)

	_, err := vm.MountDevice(context.Background(), device, testMountOptions())
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestMountAlreadyMounted(t *testing.T) {
	vm := newTestManager(t)
	device := formatTestDevice(t, vm, 1<<20)

	v, err := vm.MountDevice(context.Background(), device, testMountOptions())
	require.NoError(t, err)
	defer v.Unmount()

	_, err = vm.MountDevice(context.Background(), device, testMountOptions())
	assert.ErrorIs(t, err, ErrAlreadyMounted)
}

func TestRemountAfterUnmount(t *testing.T) {
	vm := newTestManager(t)
	device := formatTestDevice(t, vm, 1<<20)
	ctx := context.Background()

	v, err := vm.MountDevice(ctx, device, testMountOptions())
	require.NoError(t, err)

	data := make([]byte, 512)
	_, err = rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, v.WriteSectors(ctx, 0, data))
	require.NoError(t, v.Unmount())

	device.Reopen()
	v2, err := vm.MountDevice(ctx, device, testMountOptions())
	require.NoError(t, err)
	defer v2.Unmount()

	got, err := v2.ReadSectors(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStaleHandleAfterUnmount(t *testing.T) {
	vm := newTestManager(t)
	device := formatTestDevice(t, vm, 1<<20)
	ctx := context.Background()

	v, err := vm.MountDevice(ctx, device, testMountOptions())
	require.NoError(t, err)
	require.NoError(t, v.Unmount())

	_, err = v.ReadSectors(ctx, 0, 1)
	assert.ErrorIs(t, err, ErrVolumeNotMounted)
	err = v.WriteSectors(ctx, 0, make([]byte, 512))
	assert.ErrorIs(t, err, ErrVolumeNotMounted)
	assert.ErrorIs(t, v.Sync(), ErrVolumeNotMounted)
	assert.ErrorIs(t, v.Unmount(), ErrVolumeNotMounted)
}

func TestMountViaBackupHeader(t *testing.T) {
	vm := newTestManager(t)
	device := formatTestDevice(t, vm, 1<<20)

	// Destroy the primary header. The probe order falls through to the
	// backup copy at the end of the device.
	for off := int64(0); off < HeaderSize; off += 7 {
		require.NoError(t, device.Corrupt(off))
	}

	v, err := vm.MountDevice(context.Background(), device, testMountOptions())
	require.NoError(t, err)
	defer v.Unmount()
	assert.False(t, v.Hidden())
}

func TestConcurrentMountSingleWinner(t *testing.T) {
	vm := newTestManager(t)
	device := formatTestDevice(t, vm, 1<<20)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = vm.MountDevice(context.Background(), device, testMountOptions())
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyMounted)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent mount may win")
}

func TestListMountedAndVolume(t *testing.T) {
	vm := newTestManager(t)
	device := formatTestDevice(t, vm, 1<<20)

	assert.Empty(t, vm.ListMounted())

	v, err := vm.MountDevice(context.Background(), device, testMountOptions())
	require.NoError(t, err)

	infos := vm.ListMounted()
	require.Len(t, infos, 1)
	assert.Equal(t, v.UUID().String(), infos[0].VolumeUUID)
	assert.Equal(t, device.Locator(), infos[0].Device)

	got, ok := vm.Volume(device.Locator())
	require.True(t, ok)
	assert.Same(t, v, got)

	require.NoError(t, vm.Unmount(device.Locator()))
	assert.Empty(t, vm.ListMounted())
	_, ok = vm.Volume(device.Locator())
	assert.False(t, ok)
}

func TestUnmountUnknownLocator(t *testing.T) {
	vm := newTestManager(t)
	assert.ErrorIs(t, vm.Unmount("/no/such/device"), ErrVolumeNotMounted)
}

func TestManagerClose(t *testing.T) {
	vm, err := NewVolumeManager(Options{Workers: 2})
	require.NoError(t, err)

	device := formatTestDevice(t, vm, 1<<20)
	_, err = vm.MountDevice(context.Background(), device, testMountOptions())
	require.NoError(t, err)

	require.NoError(t, vm.Close())
	assert.Empty(t, vm.ListMounted())

	device.Reopen()
	_, err = vm.MountDevice(context.Background(), device, testMountOptions())
	assert.ErrorIs(t, err, ErrManagerClosed)

	// Closing twice is a no-op.
	assert.NoError(t, vm.Close())
}

func TestMountWithDefaultKDFProbe(t *testing.T) {
	if testing.Short() {
		t.Skip("argon2id at production cost")
	}
	vm := newTestManager(t)

	// Created with defaults, mounted without pinning any parameters: the
	// probe has to find Argon2id on its own.
	device := storage.NewMemDevice(t.Name(), 1<<20)
	_, err := vm.FormatDevice(context.Background(), device, CreateOptions{Passphrase: testPassphrase})
	require.NoError(t, err)

	v, err := vm.MountDevice(context.Background(), device, MountOptions{Passphrase: testPassphrase})
	require.NoError(t, err)
	defer v.Unmount()
	assert.Equal(t, kdf.PRFArgon2id, v.header.KDF.PRF)
}

func TestMountPassphraseFromEnvironment(t *testing.T) {
	vm := newTestManager(t)
	device := formatTestDevice(t, vm, 1<<20)

	t.Setenv("VOLUMA_TEST_PASSPHRASE", testPassphrase)

	k := testKDF
	v, err := vm.MountDevice(context.Background(), device, MountOptions{
		PassphraseEnvVar: "VOLUMA_TEST_PASSPHRASE",
		KDF:              &k,
	})
	require.NoError(t, err)
	require.NoError(t, v.Unmount())

	device.Reopen()
	_, err = vm.MountDevice(context.Background(), device, MountOptions{
		PassphraseEnvVar: "VOLUMA_TEST_PASSPHRASE_MISSING",
		KDF:              &k,
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrWrongPassword)
}

func TestMountWithKeyfiles(t *testing.T) {
	vm := newTestManager(t)
	ctx := context.Background()

	dir := t.TempDir()
	paths := make([]string, 2)
	for i := range paths {
		paths[i] = fmt.Sprintf("%s/key%d.bin", dir, i)
		content := make([]byte, 64)
		_, err := rand.Read(content)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(paths[i], content, 0600))
	}

	device := formatTestDevice(t, vm, 1<<20, func(o *CreateOptions) {
		o.KeyfilePaths = paths
	})

	// Without the keyfiles the passphrase alone must not authenticate.
	_, err := vm.MountDevice(ctx, device, testMountOptions())
	require.ErrorIs(t, err, ErrWrongPassword)

	// Keyfile order is part of the credential.
	swapped := testMountOptions()
	swapped.KeyfilePaths = []string{paths[1], paths[0]}
	_, err = vm.MountDevice(ctx, device, swapped)
	require.ErrorIs(t, err, ErrWrongPassword)

	opts := testMountOptions()
	opts.KeyfilePaths = paths
	v, err := vm.MountDevice(ctx, device, opts)
	require.NoError(t, err)
	require.NoError(t, v.Unmount())
}

func TestMountCancelled(t *testing.T) {
	vm := newTestManager(t)
	device := formatTestDevice(t, vm, 1<<20)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := vm.MountDevice(ctx, device, testMountOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHiddenVolume(t *testing.T) {
	vm := newTestManager(t)
	ctx := context.Background()
	const hiddenPass = "deniable"

	device := formatTestDevice(t, vm, 1<<20, func(o *CreateOptions) {
		o.FillRandom = true
		o.HiddenSize = 128 * 1024
		o.HiddenPassphrase = hiddenPass
	})

	// The outer passphrase mounts the outer volume.
	outer, err := vm.MountDevice(ctx, device, testMountOptions())
	require.NoError(t, err)
	assert.False(t, outer.Hidden())
	outerUUID := outer.UUID()
	require.NoError(t, outer.Unmount())

	// The hidden passphrase, through the same call, mounts the hidden one.
	device.Reopen()
	opts := testMountOptions()
	opts.Passphrase = hiddenPass
	hidden, err := vm.MountDevice(ctx, device, opts)
	require.NoError(t, err)
	defer hidden.Unmount()

	assert.True(t, hidden.Hidden())
	assert.NotEqual(t, outerUUID, hidden.UUID())
	assert.Equal(t, int64(128*1024), hidden.Size())

	data := make([]byte, 2*512)
	_, err = rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, hidden.WriteSectors(ctx, 0, data))
	got, err := hidden.ReadSectors(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestHiddenVolumeRequiresRandomFill(t *testing.T) {
	vm := newTestManager(t)
	device := storage.NewMemDevice(t.Name(), 1<<20)

	k := testKDF
	_, err := vm.FormatDevice(context.Background(), device, CreateOptions{
		Passphrase:       testPassphrase,
		KDF:              &k,
		HiddenSize:       128 * 1024,
		HiddenPassphrase: "deniable",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fill_random")
}
