//go:build !docker
// +build !docker

package tieredmq

var (
	// ConfigDirectory specifies platform-specific value that should be used
	// as a location of default configuration.
	//
	// It should not be changed and is defined as a variable only for
	// purposes of modification using -X linker flag.
	ConfigDirectory = "/etc/tieredmq"

	// DefaultStateDirectory specifies platform-specific default for
	// config.StateDirectory.
	DefaultStateDirectory = "/var/lib/tieredmq"

	// DefaultRuntimeDirectory specifies platform-specific default for
	// config.RuntimeDirectory.
	DefaultRuntimeDirectory = "/run/tieredmq"

	// DefaultLibexecDirectory specifies platform-specific default for
	// config.LibexecDirectory.
	DefaultLibexecDirectory = "/usr/lib/tieredmq"
)
