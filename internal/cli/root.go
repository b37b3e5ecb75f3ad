// Package cli implements the fcvmm command tree.
package cli

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/kanpov/fctools/internal/config"
	"github.com/kanpov/fctools/internal/registry"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fcvmm",
	Short: "Launch and supervise Firecracker microVMs",
	Long: `fcvmm prepares per-instance environments, spawns microVM processes
(directly or through the jailer) and tracks them in a local registry.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/fcvmm/fcvmm.yaml",
		"path to the fcvmm configuration file")
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfigAndRegistry is the shared setup of every subcommand.
func loadConfigAndRegistry(ctx context.Context) (*config.Config, *sql.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	db, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		return nil, nil, err
	}
	if err := registry.InitSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init registry: %w", err)
	}

	return cfg, db, nil
}

// pidAlive reports whether pid still exists. EPERM means it exists but
// belongs to someone else.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
