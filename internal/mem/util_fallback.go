//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// Unsupported platforms still get buffer wiping, but swapping
	// cannot be prevented
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	// Nothing to unlock on unsupported platforms
	return nil
}
