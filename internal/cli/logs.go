package cli

import (
	"bufio"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kanpov/fctools/internal/registry"
)

// VMMLogFileName is where launch points the VMM's --log-path inside the
// instance working directory.
const VMMLogFileName = "vmm.log"

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Print the VMM log of a tracked instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep tailing while the instance runs")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
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

	logPath := filepath.Join(filepath.Dir(inst.SocketPath), VMMLogFileName)

	if !logsFollow {
		content, err := os.ReadFile(logPath)
		if err != nil {
			return fmt.Errorf("read vmm log: %w", err)
		}
		_, err = os.Stdout.Write(content)
		return err
	}

	return tailWhile(logPath, os.Stdout, 100*time.Millisecond, func() bool {
		return pidAlive(inst.Pid)
	})
}

// tailWhile streams path to out line by line, polling at EOF until cont
// reports the producer is gone.
func tailWhile(path string, out io.Writer, pollEvery time.Duration, cont func() bool) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	reader := bufio.NewReader(f)

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := out.Write(line); werr != nil {
				return werr
			}
		}

		if err == io.EOF {
			if !cont() {
				return nil
			}

			time.Sleep(pollEvery)
			continue
		}

		if err != nil {
			return err
		}
	}
}
