package voluma

import (
	"context"
	"fmt"
	"time"

	"southwinds.dev/voluma/internal/kdf"
	"southwinds.dev/voluma/storage"
)

// RekeyOptions carries the current credentials and the replacement
// credentials for a passphrase change.
type RekeyOptions struct {
	// Current authenticates the volume being rekeyed.
	Current MountOptions `json:"current"`

	NewPassphrase       string   `json:"-"`
	NewPassphraseEnvVar string   `json:"new_passphrase_env_var,omitempty"`
	NewKeyfilePaths     []string `json:"new_keyfile_paths,omitempty"`

	// NewKDF sets derivation parameters for the new credentials. Nil keeps
	// the parameters recorded in the volume header.
	NewKDF *kdf.Params `json:"new_kdf,omitempty"`
}

func (o RekeyOptions) Validate() error {
	if err := o.Current.Validate(); err != nil {
		return err
	}
	if o.NewKDF != nil {
		if err := o.NewKDF.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Rekey changes the credentials protecting the volume in the container at
// path. The master seed, and therefore every encrypted sector, is left
// untouched; only the header regions are re-encrypted under a key derived
// from the new credentials and fresh salts.
//
// The volume must not be mounted by this manager while it is rekeyed. For
// an outer volume both the primary and backup headers are rewritten; for a
// hidden volume only the hidden slot is, since it has no backup copy.
// Existing header backups in a BackupStore keep working with the OLD
// credentials; take a fresh backup after a rekey.
func (vm *VolumeManager) Rekey(ctx context.Context, path string, opts RekeyOptions) error {
	device, err := storage.OpenFileDevice(path)
	if err != nil {
		return fmt.Errorf("rekey %s: %w", path, err)
	}
	defer device.Close()
	return vm.RekeyDevice(ctx, device, opts)
}

// RekeyDevice is Rekey for an already open device. The caller keeps
// ownership of the device.
func (vm *VolumeManager) RekeyDevice(ctx context.Context, device storage.Device, opts RekeyOptions) error {
	requestID := newRequestID()
	start := time.Now()
	locator := device.Locator()

	fail := func(err error) error {
		vm.logAudit(requestID, "REKEY_FAILED", err, map[string]interface{}{
			"device": locator,
		})
		return fmt.Errorf("rekey %s: %w", locator, err)
	}

	if err := opts.Validate(); err != nil {
		return fail(err)
	}
	if err := vm.reserve(locator); err != nil {
		return fail(err)
	}
	defer vm.release(locator)

	currentPassphrase, err := opts.Current.passphrase()
	if err != nil {
		return fail(err)
	}
	currentDigest, err := KeyfileDigest(opts.Current.KeyfilePaths)
	if err != nil {
		return fail(err)
	}

	header, seed, err := vm.probeHeaders(ctx, device, []byte(currentPassphrase), currentDigest, opts.Current.KDF)
	if err != nil {
		return fail(err)
	}

	if opts.NewKDF != nil {
		header.KDF = *opts.NewKDF
	}

	newPassphrase, err := MountOptions{
		Passphrase:       opts.NewPassphrase,
		PassphraseEnvVar: opts.NewPassphraseEnvVar,
	}.passphrase()
	if err != nil {
		return fail(err)
	}
	newDigest, err := KeyfileDigest(opts.NewKeyfilePaths)
	if err != nil {
		return fail(err)
	}

	deviceSize, err := device.Size()
	if err != nil {
		return fail(err)
	}

	var offsets []int64
	if header.Hidden() {
		offsets = []int64{HiddenHeaderOffset}
	} else {
		offsets = []int64{PrimaryHeaderOffset, backupHeaderOffset(deviceSize)}
	}
	for _, off := range offsets {
		if err := writeHeader(ctx, device, header, seed, []byte(newPassphrase), newDigest, off); err != nil {
			return fail(err)
		}
	}

	if err := device.Sync(); err != nil {
		return fail(err)
	}

	md := map[string]interface{}{
		"device":      locator,
		"kdf":         header.KDF.PRF.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	// A hidden volume's identity stays out of the audit trail.
	if !header.Hidden() {
		md["volume_uuid"] = header.VolumeUUID.String()
	}
	vm.logAudit(requestID, "VOLUME_REKEYED", nil, md)
	return nil
}
