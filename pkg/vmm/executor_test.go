package vmm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanpov/fctools/pkg/fsbackend"
	"github.com/kanpov/fctools/pkg/installation"
	"github.com/kanpov/fctools/pkg/spawner"
)

// recordingSpawner captures the command an executor builds and launches a
// trivial process in its place.
type recordingSpawner struct {
	last spawner.Command
}

func (r *recordingSpawner) Spawn(ctx context.Context, cmd spawner.Command) (*spawner.Handle, error) {
	r.last = cmd
	return spawner.NewDirect().Spawn(ctx, spawner.Command{Path: "/bin/true"})
}

// recordingBackend performs everything for real except ownership changes,
// which it records so jail tests do not need root.
type recordingBackend struct {
	fsbackend.Backend

	mu    sync.Mutex
	owned map[string][2]uint32
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{Backend: fsbackend.NewDirect(), owned: make(map[string][2]uint32)}
}

func (r *recordingBackend) SetOwner(_ context.Context, path string, uid, gid uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owned[path] = [2]uint32{uid, gid}
	return nil
}

func testInstall(t *testing.T) *installation.Installation {
	t.Helper()

	dir := t.TempDir()
	vmm := filepath.Join(dir, "firecracker")
	jailer := filepath.Join(dir, "jailer")
	require.NoError(t, os.WriteFile(vmm, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(jailer, []byte("#!/bin/sh\n"), 0o755))

	return &installation.Installation{VmmPath: vmm, JailerPath: jailer, Version: "1.7.0"}
}

func currentJail(chrootBase string) JailConfig {
	return JailConfig{
		UID:           uint32(os.Getuid()),
		GID:           uint32(os.Getgid()),
		ChrootBaseDir: chrootBase,
	}
}

func TestUnrestrictedPrepareCleanupRoundtrip(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()

	src := filepath.Join(t.TempDir(), "rootfs.ext4")
	require.NoError(t, os.WriteFile(src, []byte("rootfs"), 0o644))

	exec, err := NewUnrestricted(UnrestrictedSpec{
		Installation: testInstall(t),
		ID:           "vm-a",
		BaseDir:      base,
		Resources: []Resource{
			{Source: src, Dest: "rootfs.ext4", Placement: PlaceCopy},
		},
	})
	require.NoError(t, err)

	backend := fsbackend.NewDirect()
	require.NoError(t, exec.Prepare(ctx, backend))

	assert.DirExists(t, filepath.Join(base, "vm-a"))
	content, err := os.ReadFile(filepath.Join(base, "vm-a", "rootfs.ext4"))
	require.NoError(t, err)
	assert.Equal(t, "rootfs", string(content))

	require.NoError(t, exec.Cleanup(ctx, backend))

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries, "prepare followed by cleanup must leave the base untouched")

	// Idempotent: nothing to clean is success.
	assert.NoError(t, exec.Cleanup(ctx, backend))
}

func TestUnrestrictedHardlinkPlacement(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()

	src := filepath.Join(base, "kernel")
	require.NoError(t, os.WriteFile(src, []byte("vmlinux"), 0o644))

	exec, err := NewUnrestricted(UnrestrictedSpec{
		Installation: testInstall(t),
		ID:           "vm-link",
		BaseDir:      base,
		Resources: []Resource{
			{Source: src, Dest: "vmlinux", Placement: PlaceHardlink},
		},
	})
	require.NoError(t, err)
	require.NoError(t, exec.Prepare(ctx, fsbackend.NewDirect()))

	srcInfo, err := os.Stat(src)
	require.NoError(t, err)
	dstInfo, err := os.Stat(filepath.Join(base, "vm-link", "vmlinux"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(srcInfo, dstInfo))
}

func TestUnrestrictedMissingResource(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()

	exec, err := NewUnrestricted(UnrestrictedSpec{
		Installation: testInstall(t),
		ID:           "vm-miss",
		BaseDir:      base,
		Resources: []Resource{
			{Source: filepath.Join(base, "nope.ext4"), Dest: "nope.ext4"},
		},
	})
	require.NoError(t, err)

	backend := fsbackend.NewDirect()
	err = exec.Prepare(ctx, backend)
	require.Error(t, err)

	var missing *ResourceMissingError
	assert.ErrorAs(t, err, &missing)

	// The failed prepare remains fully reversible.
	require.NoError(t, exec.Cleanup(ctx, backend))
	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnrestrictedInvokeCommandShape(t *testing.T) {
	base := t.TempDir()
	install := testInstall(t)

	exec, err := NewUnrestricted(UnrestrictedSpec{
		Installation: install,
		ID:           "vm-a",
		BaseDir:      base,
		ExtraArgs:    []string{"--boot-timer"},
	})
	require.NoError(t, err)

	sp := &recordingSpawner{}
	handle, err := exec.Invoke(context.Background(), sp)
	require.NoError(t, err)
	defer func() { _ = handle.Kill() }()

	assert.Equal(t, install.VmmPath, sp.last.Path)
	assert.Equal(t, filepath.Join(base, "vm-a"), sp.last.Dir)

	socket := filepath.Join(base, "vm-a", "api.sock")
	assert.Equal(t, socket, exec.SocketPath())
	assert.Equal(t,
		[]string{"--api-sock", socket, "--id", "vm-a", "--boot-timer"},
		sp.last.Args)
}

func TestJailedPathLayout(t *testing.T) {
	install := &installation.Installation{
		VmmPath:    "/opt/firecracker",
		JailerPath: "/opt/jailer",
	}

	exec, err := NewJailed(JailedSpec{
		Installation: install,
		ID:           "vm-b",
		Jail:         currentJail("/srv/jailer"),
	})
	require.NoError(t, err)

	assert.Equal(t, "/srv/jailer/firecracker/vm-b/root", exec.ChrootRoot())
	assert.Equal(t, "/srv/jailer/firecracker/vm-b/root/api.sock", exec.SocketPath())
	assert.Equal(t, "/srv/jailer/firecracker/vm-b/root/rootfs.ext4", exec.OuterPath("rootfs.ext4"))
	assert.Equal(t, "/srv/jailer/firecracker/vm-b/root/rootfs.ext4", exec.OuterPath("/rootfs.ext4"))
}

func TestJailedPrepareBuildsAndOwnsChroot(t *testing.T) {
	ctx := context.Background()
	chrootBase := t.TempDir()
	install := testInstall(t)

	src := filepath.Join(t.TempDir(), "rootfs.ext4")
	require.NoError(t, os.WriteFile(src, []byte("rootfs"), 0o644))

	jail := currentJail(chrootBase)
	exec, err := NewJailed(JailedSpec{
		Installation: install,
		ID:           "vm-b",
		Jail:         jail,
		Resources: []Resource{
			{Source: src, Dest: "rootfs.ext4", Placement: PlaceHardlinkOrCopy},
		},
	})
	require.NoError(t, err)

	backend := newRecordingBackend()
	require.NoError(t, exec.Prepare(ctx, backend))

	root := exec.ChrootRoot()
	assert.FileExists(t, filepath.Join(root, "firecracker"))
	assert.FileExists(t, filepath.Join(root, "rootfs.ext4"))

	// Every node of the tree was handed to the jail identity.
	for _, path := range []string{root, filepath.Join(root, "firecracker"), filepath.Join(root, "rootfs.ext4")} {
		assert.Equal(t, [2]uint32{jail.UID, jail.GID}, backend.owned[path], path)
	}
}

func TestJailedPrepareFailureIsReversible(t *testing.T) {
	ctx := context.Background()
	chrootBase := t.TempDir()

	exec, err := NewJailed(JailedSpec{
		Installation: testInstall(t),
		ID:           "vm-fail",
		Jail:         currentJail(chrootBase),
		Resources: []Resource{
			{Source: filepath.Join(chrootBase, "missing.ext4"), Dest: "missing.ext4"},
		},
	})
	require.NoError(t, err)

	backend := newRecordingBackend()
	require.Error(t, exec.Prepare(ctx, backend))

	require.NoError(t, exec.Cleanup(ctx, backend))
	assert.NoDirExists(t, filepath.Dir(exec.ChrootRoot()))

	// Idempotent second cleanup.
	assert.NoError(t, exec.Cleanup(ctx, backend))
}

func TestJailedDaemonizeRecoversDetachedHandle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chrootBase := t.TempDir()
	install := testInstall(t)

	jail := currentJail(chrootBase)
	jail.Daemonize = true

	exec, err := NewJailed(JailedSpec{
		Installation: install,
		ID:           "vm-d",
		Jail:         jail,
	})
	require.NoError(t, err)

	backend := newRecordingBackend()
	require.NoError(t, exec.Prepare(ctx, backend))

	// Stand-in jailer: background a child, write its pid where the VMM
	// would, exit zero like a daemonizing wrapper does.
	pidPath := filepath.Join(exec.ChrootRoot(), "firecracker.pid")
	script := "#!/bin/sh\nsleep 60 &\necho $! > " + pidPath + "\n"
	require.NoError(t, os.WriteFile(install.JailerPath, []byte(script), 0o755))

	handle, err := exec.Invoke(ctx, spawner.NewDirect())
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Kill() })

	content, err := os.ReadFile(pidPath)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	require.NoError(t, err)

	assert.Equal(t, pid, handle.Pid())
	assert.False(t, handle.Attached())
	assert.Nil(t, handle.TryWait(), "daemonized vmm is still running")
}

func TestJailedDaemonizeFailsOnJailerError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	install := testInstall(t)

	jail := currentJail(t.TempDir())
	jail.Daemonize = true

	exec, err := NewJailed(JailedSpec{
		Installation: install,
		ID:           "vm-d2",
		Jail:         jail,
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(install.JailerPath, []byte("#!/bin/sh\nexit 7\n"), 0o755))

	_, err = exec.Invoke(ctx, spawner.NewDirect())
	var execErr *ExecutorError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "invoke", execErr.Stage)
}

// flakyRemoveBackend fails RemoveAll a fixed number of times before
// delegating, the way a busy chroot behaves while mounts release.
type flakyRemoveBackend struct {
	fsbackend.Backend
	failures int
	calls    int
}

func (f *flakyRemoveBackend) RemoveAll(ctx context.Context, path string) error {
	f.calls++
	if f.calls <= f.failures {
		return &fsbackend.Error{Op: "remove_all", Path: path, Err: errors.New("device or resource busy")}
	}
	return f.Backend.RemoveAll(ctx, path)
}

func TestJailedCleanupRetriesBusyRemoval(t *testing.T) {
	ctx := context.Background()
	chrootBase := t.TempDir()

	exec, err := NewJailed(JailedSpec{
		Installation: testInstall(t),
		ID:           "vm-busy",
		Jail:         currentJail(chrootBase),
	})
	require.NoError(t, err)
	require.NoError(t, exec.Prepare(ctx, newRecordingBackend()))

	backend := &flakyRemoveBackend{Backend: fsbackend.NewDirect(), failures: 2}
	require.NoError(t, exec.Cleanup(ctx, backend))

	assert.Equal(t, 3, backend.calls)
	assert.NoDirExists(t, exec.ChrootRoot())
}

func TestJailedCleanupSurfacesPersistentFailure(t *testing.T) {
	ctx := context.Background()

	exec, err := NewJailed(JailedSpec{
		Installation: testInstall(t),
		ID:           "vm-stuck",
		Jail:         currentJail(t.TempDir()),
	})
	require.NoError(t, err)

	backend := &flakyRemoveBackend{Backend: fsbackend.NewDirect(), failures: cleanupRetries + 1}
	err = exec.Cleanup(ctx, backend)

	var execErr *ExecutorError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "cleanup", execErr.Stage)

	var fsErr *fsbackend.Error
	assert.ErrorAs(t, err, &fsErr)
	assert.Equal(t, cleanupRetries, backend.calls)
}

func TestJailedInvokeCommandShape(t *testing.T) {
	install := testInstall(t)

	exec, err := NewJailed(JailedSpec{
		Installation: install,
		ID:           "vm-b",
		Jail:         currentJail("/srv/jailer"),
		ExtraArgs:    []string{"--config-file", "/config.json"},
	})
	require.NoError(t, err)

	sp := &recordingSpawner{}
	handle, err := exec.Invoke(context.Background(), sp)
	require.NoError(t, err)
	defer func() { _ = handle.Kill() }()

	assert.Equal(t, install.JailerPath, sp.last.Path)

	args := sp.last.Args
	sep := -1
	for i, a := range args {
		if a == "--" {
			sep = i
			break
		}
	}
	require.GreaterOrEqual(t, sep, 0, "jailer and vmm arguments must be separated by --")

	assert.Contains(t, args[:sep], "--exec-file")
	assert.Contains(t, args[:sep], install.VmmPath)
	assert.Equal(t, []string{"--api-sock", "/api.sock", "--config-file", "/config.json"}, args[sep+1:])
}
