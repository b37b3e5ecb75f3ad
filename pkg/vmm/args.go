package vmm

import "strconv"

// LogLevel is the logging level passed to the VMM binary.
type LogLevel string

const (
	LogLevelOff   LogLevel = "Off"
	LogLevelTrace LogLevel = "Trace"
	LogLevelDebug LogLevel = "Debug"
	LogLevelInfo  LogLevel = "Info"
	LogLevelWarn  LogLevel = "Warn"
	LogLevelError LogLevel = "Error"
)

// Args maps to the command line of the VMM binary. The executor computes
// SocketPath itself; everything else is passed through opaquely. The zero
// value produces no flags except --no-api when DisableAPI is set.
type Args struct {
	// SocketPath is where the VMM binds its API socket. Ignored when
	// DisableAPI is set.
	SocketPath string
	DisableAPI bool

	ConfigPath string

	LogPath       string
	LogLevel      LogLevel
	ShowLogLevel  bool
	ShowLogOrigin bool
	LogModule     string

	MetricsPath  string
	MetadataPath string

	EnableBootTimer    bool
	APIMaxPayloadBytes uint32
	MmdsSizeLimit      uint32

	DisableSeccomp bool
	SeccompPath    string
}

// Build renders the argument vector for the VMM binary.
func (a Args) Build() []string {
	var argv []string

	if a.DisableAPI {
		argv = append(argv, "--no-api")
	} else if a.SocketPath != "" {
		argv = append(argv, "--api-sock", a.SocketPath)
	}

	if a.ConfigPath != "" {
		argv = append(argv, "--config-file", a.ConfigPath)
	}

	if a.LogLevel != "" {
		argv = append(argv, "--level", string(a.LogLevel))
	}
	if a.LogPath != "" {
		argv = append(argv, "--log-path", a.LogPath)
	}
	if a.ShowLogOrigin {
		argv = append(argv, "--show-log-origin")
	}
	if a.LogModule != "" {
		argv = append(argv, "--module", a.LogModule)
	}
	if a.ShowLogLevel {
		argv = append(argv, "--show-level")
	}

	if a.EnableBootTimer {
		argv = append(argv, "--boot-timer")
	}
	if a.APIMaxPayloadBytes != 0 {
		argv = append(argv, "--http-api-max-payload-size", strconv.FormatUint(uint64(a.APIMaxPayloadBytes), 10))
	}
	if a.MetadataPath != "" {
		argv = append(argv, "--metadata", a.MetadataPath)
	}
	if a.MetricsPath != "" {
		argv = append(argv, "--metrics-path", a.MetricsPath)
	}
	if a.MmdsSizeLimit != 0 {
		argv = append(argv, "--mmds-size-limit", strconv.FormatUint(uint64(a.MmdsSizeLimit), 10))
	}

	if a.DisableSeccomp {
		argv = append(argv, "--no-seccomp")
	}
	if a.SeccompPath != "" {
		argv = append(argv, "--seccomp-filter", a.SeccompPath)
	}

	return argv
}
