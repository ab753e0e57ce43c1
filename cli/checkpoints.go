package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"GameHelper/internal/core"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <task-id>",
	Short: "Show the stored state and checkpoints of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		taskID := args[0]
		snap, found, err := store.LoadContext(cmd.Context(), taskID)
		if err != nil {
			return err
		}
		cps, err := store.Checkpoints(cmd.Context(), taskID)
		if err != nil {
			return err
		}
		if !found && len(cps) == 0 {
			return fmt.Errorf("no stored state for task %s", taskID)
		}

		if rootFlags.jsonOutput {
			r := NewJSONReporter(os.Stdout)
			if found {
				r.emit("context", snap)
			}
			r.emit("checkpoints", cps)
			return nil
		}
		printCheckpoints(os.Stdout, taskID, snap, found, cps)
		return nil
	},
}

func printCheckpoints(out io.Writer, taskID string, snap core.ContextSnapshot, found bool, cps []core.Checkpoint) {
	if found {
		fmt.Fprintf(out, "Task %s (%s): %s, progress %.0f%%\n", taskID, snap.Name, snap.State, snap.Progress*100)
		if snap.Error != "" {
			fmt.Fprintf(out, "  error: %s\n", snap.Error)
		}
	} else {
		fmt.Fprintf(out, "Task %s: no stored context\n", taskID)
	}

	fmt.Fprintf(out, "Checkpoints: %d\n", len(cps))
	for _, cp := range cps {
		data, _ := json.Marshal(cp.Data)
		fmt.Fprintf(out, "  %s  %-16s %5.1f%%  %s\n", cp.Timestamp.Format("2006-01-02 15:04:05"), cp.Name, cp.Progress*100, data)
	}
}
