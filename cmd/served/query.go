package main

import (
	"fmt"
	"strconv"

	"github.com/cuemby/served/pkg/store"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed applications",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(cfg.StorePath)
		if err != nil {
			return err
		}
		defer s.Close()

		s.Lock()
		apps, err := s.ListApplications()
		s.Unlock()
		if err != nil {
			return err
		}

		for _, app := range apps {
			fmt.Printf("%s\t(%d commands, %d revisions)\n", app.Name, len(app.Commands), len(app.Revisions))
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <transaction-id>",
	Short: "Show the log entries for a transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid transaction id %q: %w", args[0], err)
		}

		s, err := store.Open(cfg.StorePath)
		if err != nil {
			return err
		}
		defer s.Close()

		s.Lock()
		logs, err := s.GetLogs(id)
		s.Unlock()
		if err != nil {
			return err
		}

		for _, l := range logs {
			fmt.Printf("[%s] %s %s: %s\n", l.Timestamp.Format("2006-01-02T15:04:05Z07:00"), l.Level, l.State, l.Message)
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune completed transactions beyond the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(cfg.StorePath)
		if err != nil {
			return err
		}
		defer s.Close()

		s.Lock()
		pruned, err := s.Cleanup()
		s.Unlock()
		if err != nil {
			return err
		}

		fmt.Printf("pruned %d transaction(s)\n", pruned)
		return nil
	},
}
