package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArgsApiSocket(t *testing.T) {
	assert.Equal(t,
		[]string{"--api-sock", "/tmp/api.sock"},
		Args{SocketPath: "/tmp/api.sock"}.Build())

	assert.Equal(t,
		[]string{"--no-api"},
		Args{DisableAPI: true}.Build())

	// Disabling the API wins over a configured socket path.
	assert.Equal(t,
		[]string{"--no-api"},
		Args{DisableAPI: true, SocketPath: "/tmp/api.sock"}.Build())
}

func TestArgsFlagRendering(t *testing.T) {
	tests := []struct {
		name string
		args Args
		want []string
	}{
		{"config file", Args{ConfigPath: "/tmp/config.json"}, []string{"--config-file", "/tmp/config.json"}},
		{"log level", Args{LogLevel: LogLevelError}, []string{"--level", "Error"}},
		{"log path", Args{LogPath: "/tmp/log.txt"}, []string{"--log-path", "/tmp/log.txt"}},
		{"log origin", Args{ShowLogOrigin: true}, []string{"--show-log-origin"}},
		{"log module", Args{LogModule: "api"}, []string{"--module", "api"}},
		{"show level", Args{ShowLogLevel: true}, []string{"--show-level"}},
		{"boot timer", Args{EnableBootTimer: true}, []string{"--boot-timer"}},
		{"max payload", Args{APIMaxPayloadBytes: 1000}, []string{"--http-api-max-payload-size", "1000"}},
		{"metadata", Args{MetadataPath: "/tmp/metadata.json"}, []string{"--metadata", "/tmp/metadata.json"}},
		{"metrics", Args{MetricsPath: "/tmp/metrics.fifo"}, []string{"--metrics-path", "/tmp/metrics.fifo"}},
		{"mmds limit", Args{MmdsSizeLimit: 1000}, []string{"--mmds-size-limit", "1000"}},
		{"no seccomp", Args{DisableSeccomp: true}, []string{"--no-seccomp"}},
		{"seccomp filter", Args{SeccompPath: "/tmp/filter.bpf"}, []string{"--seccomp-filter", "/tmp/filter.bpf"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.args.Build())
		})
	}
}

func TestJailConfigBuild(t *testing.T) {
	jail := JailConfig{
		UID:           123,
		GID:           100,
		ChrootBaseDir: "/srv/jailer",
		Cgroups:       map[string]string{"cpu.weight": "50", "memory.max": "1G"},
		CgroupVersion: CgroupV2,
		ParentCgroup:  "vmms",
		Daemonize:     true,
		NewPidNS:      true,
		NetNSPath:     "/var/run/netns/vm",
		ResourceLimits: map[string]string{
			"no-file": "1024",
		},
	}

	assert.Equal(t, []string{
		"--exec-file", "/opt/firecracker",
		"--uid", "123",
		"--gid", "100",
		"--id", "vm-b",
		"--cgroup", "cpu.weight=50",
		"--cgroup", "memory.max=1G",
		"--cgroup-version", "2",
		"--chroot-base-dir", "/srv/jailer",
		"--daemonize",
		"--netns", "/var/run/netns/vm",
		"--new-pid-ns",
		"--parent-cgroup", "vmms",
		"--resource-limit", "no-file=1024",
	}, jail.Build("vm-b", "/opt/firecracker"))
}

func TestJailConfigChrootBaseDefault(t *testing.T) {
	assert.Equal(t, DefaultChrootBase, JailConfig{}.ChrootBase())
	assert.Equal(t, "/custom", JailConfig{ChrootBaseDir: "/custom"}.ChrootBase())
}
