//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// On unsupported platforms we can still wipe buffers on release,
	// but cannot prevent swapping
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
