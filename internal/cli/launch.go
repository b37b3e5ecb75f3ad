package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kanpov/fctools/internal/config"
	"github.com/kanpov/fctools/internal/registry"
	"github.com/kanpov/fctools/pkg/fsbackend"
	"github.com/kanpov/fctools/pkg/installation"
	"github.com/kanpov/fctools/pkg/spawner"
	"github.com/kanpov/fctools/pkg/vmm"
)

var launchID string

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Prepare and start a new microVM instance",
	RunE:  runLaunch,
}

func init() {
	launchCmd.Flags().StringVar(&launchID, "id", "", "instance id (default: random UUID)")
	rootCmd.AddCommand(launchCmd)
}

func runLaunch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, db, err := loadConfigAndRegistry(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	install, err := installation.Validate(ctx, cfg.VmmPath, cfg.JailerPath)
	if err != nil {
		return fmt.Errorf("validate installation: %w", err)
	}

	id := vmm.NewID()
	if launchID != "" {
		if id, err = vmm.ParseID(launchID); err != nil {
			return err
		}
	}

	resources, err := configResources(cfg)
	if err != nil {
		return err
	}
	vmmArgs := vmm.Args{ConfigPath: cfg.ConfigFile}

	var (
		exec    vmm.Executor
		sp      spawner.Spawner = spawner.NewDirect()
		chroot  string
		logPath string
	)

	if cfg.Jail != nil {
		jailed, err := vmm.NewJailed(vmm.JailedSpec{
			Installation: install,
			ID:           id,
			Jail: vmm.JailConfig{
				UID:           cfg.Jail.UID,
				GID:           cfg.Jail.GID,
				ChrootBaseDir: cfg.Jail.ChrootBaseDir,
				CgroupVersion: vmm.CgroupVersion(cfg.Jail.CgroupVersion),
				NetNSPath:     cfg.Jail.NetNS,
				Daemonize:     cfg.Jail.Daemonize,
				NewPidNS:      cfg.Jail.PidNamespace,
			},
			Resources: resources,
			Args:      vmmArgs,
			ExtraArgs: cfg.ExtraArgs,
		})
		if err != nil {
			return err
		}
		exec, chroot = jailed, jailed.ChrootRoot()

		// The jailer needs privilege to chroot and drop identity.
		if os.Geteuid() != 0 {
			sp = spawner.NewElevated("sudo")
		}
	} else {
		logPath = filepath.Join(cfg.BaseDir, string(id), VMMLogFileName)
		vmmArgs.LogPath = logPath

		unrestricted, err := vmm.NewUnrestricted(vmm.UnrestrictedSpec{
			Installation: install,
			ID:           id,
			BaseDir:      cfg.BaseDir,
			Resources:    resources,
			Args:         vmmArgs,
			ExtraArgs:    cfg.ExtraArgs,
		})
		if err != nil {
			return err
		}
		exec = unrestricted
	}

	backend := fsbackend.NewPool(0)
	defer backend.Close()

	if err := exec.Prepare(ctx, backend); err != nil {
		return fmt.Errorf("prepare instance %s: %w", id, err)
	}

	// The VMM refuses to open a log file that does not exist yet.
	if logPath != "" {
		if err := os.WriteFile(logPath, nil, 0o644); err != nil {
			_ = exec.Cleanup(ctx, backend)
			return fmt.Errorf("create vmm log: %w", err)
		}
	}

	handle, err := exec.Invoke(ctx, sp)
	if err != nil {
		_ = exec.Cleanup(ctx, backend)
		return fmt.Errorf("invoke instance %s: %w", id, err)
	}

	process := vmm.NewProcess(exec, handle, slog.Default())
	if err := process.Start(ctx, time.Duration(cfg.StartTimeoutSec)*time.Second); err != nil {
		_ = exec.Cleanup(ctx, backend)
		return fmt.Errorf("start instance %s: %w", id, err)
	}

	pid, err := process.Pid()
	if err != nil {
		return err
	}

	if err := registry.InsertInstance(db, &registry.Instance{
		ID:         string(id),
		Pid:        pid,
		SocketPath: exec.SocketPath(),
		Chroot:     chroot,
		State:      "started",
	}); err != nil {
		return fmt.Errorf("record instance %s: %w", id, err)
	}

	fmt.Printf("launched %s (pid %d, socket %s)\n", id, pid, exec.SocketPath())
	return nil
}

func configResources(cfg *config.Config) ([]vmm.Resource, error) {
	resources := make([]vmm.Resource, 0, len(cfg.Resources))
	for _, res := range cfg.Resources {
		placement := vmm.PlaceHardlinkOrCopy
		switch res.Placement {
		case "copy":
			placement = vmm.PlaceCopy
		case "hardlink":
			placement = vmm.PlaceHardlink
		case "", "auto":
		default:
			return nil, fmt.Errorf("unknown placement %q", res.Placement)
		}
		resources = append(resources, vmm.Resource{
			Source:    res.Source,
			Dest:      res.Dest,
			Placement: placement,
		})
	}
	return resources, nil
}
