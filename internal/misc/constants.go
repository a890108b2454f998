package misc

const (
	// DefaultKeyVersion defines the current version of the envelope encryption scheme
	DefaultKeyVersion = 1

	// ArgonTime Key derivation parameters for passphrase sealing (backups)
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32

	// Pbkdf2Iterations governs the per-value key schedule derived from the root key
	Pbkdf2Iterations = 100000

	// EnvelopeSaltSize is the per-encryption salt length in bytes
	EnvelopeSaltSize = 32

	// DefaultKeyLength is the root key size in bytes when none is configured
	DefaultKeyLength = 64

	FilePermissions = 0600 // user read + write
)
