package vmm

import (
	"fmt"
	"os/user"
	"sort"
	"strconv"
)

// DefaultChrootBase is where the jailer builds chroots unless overridden.
const DefaultChrootBase = "/srv/jailer"

// CgroupVersion selects which cgroup hierarchy the jailer uses.
type CgroupVersion int

const (
	CgroupVersionUnset CgroupVersion = 0
	CgroupV1           CgroupVersion = 1
	CgroupV2           CgroupVersion = 2
)

// JailConfig describes the privilege drop and chroot the jailer performs.
// UID and GID must resolve to valid host identities before a spawn is
// attempted.
type JailConfig struct {
	UID uint32
	GID uint32

	// ChrootBaseDir defaults to DefaultChrootBase when empty.
	ChrootBaseDir string

	Cgroups        map[string]string
	CgroupVersion  CgroupVersion
	ParentCgroup   string
	ResourceLimits map[string]string
	NetNSPath      string
	Daemonize      bool
	NewPidNS       bool
}

// ChrootBase returns the effective chroot base directory.
func (j JailConfig) ChrootBase() string {
	if j.ChrootBaseDir == "" {
		return DefaultChrootBase
	}
	return j.ChrootBaseDir
}

// Validate resolves UID and GID against the host so that a bad identity is
// reported as a configuration mistake instead of a late jailer failure.
func (j JailConfig) Validate() error {
	if _, err := user.LookupId(strconv.FormatUint(uint64(j.UID), 10)); err != nil {
		return fmt.Errorf("jail uid %d does not resolve: %w", j.UID, err)
	}
	if _, err := user.LookupGroupId(strconv.FormatUint(uint64(j.GID), 10)); err != nil {
		return fmt.Errorf("jail gid %d does not resolve: %w", j.GID, err)
	}
	return nil
}

// Build renders the jailer argument vector for the given instance id and
// VMM binary. The VMM's own arguments follow after a "--" separator added
// by the caller.
func (j JailConfig) Build(id ID, vmmPath string) []string {
	argv := []string{
		"--exec-file", vmmPath,
		"--uid", strconv.FormatUint(uint64(j.UID), 10),
		"--gid", strconv.FormatUint(uint64(j.GID), 10),
		"--id", string(id),
	}

	for _, kv := range sortedPairs(j.Cgroups) {
		argv = append(argv, "--cgroup", kv)
	}

	switch j.CgroupVersion {
	case CgroupV1:
		argv = append(argv, "--cgroup-version", "1")
	case CgroupV2:
		argv = append(argv, "--cgroup-version", "2")
	}

	if j.ChrootBaseDir != "" {
		argv = append(argv, "--chroot-base-dir", j.ChrootBaseDir)
	}
	if j.Daemonize {
		argv = append(argv, "--daemonize")
	}
	if j.NetNSPath != "" {
		argv = append(argv, "--netns", j.NetNSPath)
	}
	if j.NewPidNS {
		argv = append(argv, "--new-pid-ns")
	}
	if j.ParentCgroup != "" {
		argv = append(argv, "--parent-cgroup", j.ParentCgroup)
	}

	for _, kv := range sortedPairs(j.ResourceLimits) {
		argv = append(argv, "--resource-limit", kv)
	}

	return argv
}

// sortedPairs renders a map as deterministic key=value strings.
func sortedPairs(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}

	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+m[key])
	}
	return pairs
}
