package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kanpov/fctools/internal/registry"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked microVM instances",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, _ []string) error {
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

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPID\tSTATE\tSOCKET\tCREATED")

	for _, inst := range instances {
		state := inst.State
		if state == "started" && !pidAlive(inst.Pid) {
			state = "exited"
			if err := registry.UpdateInstanceState(db, inst.ID, state); err != nil {
				return err
			}
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			inst.ID, inst.Pid, state, inst.SocketPath,
			inst.CreatedAt.Format("2006-01-02 15:04:05"))
	}

	return w.Flush()
}
