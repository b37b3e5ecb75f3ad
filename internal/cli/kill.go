package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/kanpov/fctools/internal/registry"
)

var killForce bool

var killCmd = &cobra.Command{
	Use:   "kill <id>",
	Short: "Terminate a tracked microVM instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runKill,
}

func init() {
	killCmd.Flags().BoolVar(&killForce, "force", false, "SIGKILL immediately instead of SIGTERM")
	rootCmd.AddCommand(killCmd)
}

func runKill(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	_, db, err := loadConfigAndRegistry(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	inst, err := registry.GetInstanceByID(db, args[0])
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("no instance %q", args[0])
	}
	if err != nil {
		return err
	}

	if !pidAlive(inst.Pid) {
		fmt.Printf("%s already exited\n", inst.ID)
		return registry.UpdateInstanceState(db, inst.ID, "exited")
	}

	sig := unix.SIGTERM
	if killForce {
		sig = unix.SIGKILL
	}
	if err := unix.Kill(inst.Pid, sig); err != nil && err != unix.ESRCH {
		return fmt.Errorf("signal pid %d: %w", inst.Pid, err)
	}

	// Give a graceful termination a moment before escalating.
	deadline := time.Now().Add(5 * time.Second)
	for pidAlive(inst.Pid) {
		if time.Now().After(deadline) {
			if err := unix.Kill(inst.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
				return fmt.Errorf("kill pid %d: %w", inst.Pid, err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	fmt.Printf("killed %s (pid %d)\n", inst.ID, inst.Pid)
	return registry.UpdateInstanceState(db, inst.ID, "exited")
}
