package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kanpov/fctools/internal/registry"
	"github.com/kanpov/fctools/pkg/fsbackend"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove exited instances and their on-disk environments",
	RunE:  runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	_, db, err := loadConfigAndRegistry(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	instances, err := registry.ListInstances(db)
	if err != nil {
		return err
	}

	backend := fsbackend.NewPool(0)
	defer backend.Close()

	pruned := 0
	for _, inst := range instances {
		if pidAlive(inst.Pid) {
			continue
		}

		// Jailed instances own {chroot_base}/{binary}/{id}; unrestricted
		// ones own the directory holding the socket.
		dir := filepath.Dir(inst.SocketPath)
		if inst.Chroot != "" {
			dir = filepath.Dir(inst.Chroot)
		}

		if err := backend.RemoveAll(ctx, dir); err != nil {
			return fmt.Errorf("prune %s: %w", inst.ID, err)
		}
		if err := registry.DeleteInstance(db, inst.ID); err != nil {
			return err
		}
		pruned++
	}

	fmt.Printf("pruned %d instance(s)\n", pruned)
	return nil
}
