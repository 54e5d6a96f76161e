package device

// Default geometry for the file-backed staging flash.
const (
	// DefaultStagingCapacity is the default staging region size (16MB)
	DefaultStagingCapacity = 16 * 1024 * 1024
	// DefaultMTU is the default maximum payload of a single program call (one 4KB page)
	DefaultMTU = 4096
	// MaxMTU bounds the configurable MTU (64KB)
	MaxMTU = 64 * 1024
)
