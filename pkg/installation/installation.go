// Package installation holds a validated reference to the VMM binary and
// its jailer companion. An Installation is built once, then shared read-only
// across any number of executor invocations.
package installation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"regexp"

	"github.com/opencontainers/go-digest"
)

// VersionUnknown is recorded when the binary does not report a parseable
// version string. That is not a validation failure.
const VersionUnknown = "unknown"

var versionPattern = regexp.MustCompile(`v?([0-9]+\.[0-9]+\.[0-9]+[^\s]*)`)

// Installation references the VMM binary, the optional jailer binary and
// the metadata resolved during validation. Immutable after Validate.
type Installation struct {
	VmmPath    string
	JailerPath string

	// Version is parsed from the binary's --version output.
	Version string
	// Checksum is the SHA-256 digest of the VMM binary, useful for
	// registries that need to tell apart installations at the same path.
	Checksum digest.Digest
}

var (
	// ErrNotFound means a configured binary path does not exist.
	ErrNotFound = errors.New("binary not found")
	// ErrNotExecutable means the binary exists but cannot be executed.
	ErrNotExecutable = errors.New("binary not executable")
)

// Error is a fatal installation validation failure.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("installation %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Validate checks that vmmPath (and jailerPath, when non-empty) point to
// existing executable files, resolves the VMM version by invoking the
// binary with --version, and fingerprints the binary. Missing or
// non-executable binaries are fatal; an unparseable version is not.
func Validate(ctx context.Context, vmmPath, jailerPath string) (*Installation, error) {
	if err := checkExecutable(vmmPath); err != nil {
		return nil, err
	}
	if jailerPath != "" {
		if err := checkExecutable(jailerPath); err != nil {
			return nil, err
		}
	}

	checksum, err := fingerprint(vmmPath)
	if err != nil {
		return nil, &Error{Path: vmmPath, Err: err}
	}

	install := &Installation{
		VmmPath:    vmmPath,
		JailerPath: jailerPath,
		Version:    resolveVersion(ctx, vmmPath),
		Checksum:   checksum,
	}
	return install, nil
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Error{Path: path, Err: ErrNotFound}
		}
		return &Error{Path: path, Err: err}
	}

	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return &Error{Path: path, Err: ErrNotExecutable}
	}
	return nil
}

func fingerprint(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return digest.FromReader(f)
}

// resolveVersion invokes the binary with --version and scans stdout for a
// semver-shaped token. Any failure degrades to VersionUnknown.
func resolveVersion(ctx context.Context, path string) string {
	var out bytes.Buffer

	cmd := exec.CommandContext(ctx, path, "--version")
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return VersionUnknown
	}

	match := versionPattern.FindSubmatch(out.Bytes())
	if match == nil {
		return VersionUnknown
	}
	return string(match[1])
}
