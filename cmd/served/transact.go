package main

import (
	"fmt"

	"github.com/cuemby/served/pkg/collab"
	"github.com/cuemby/served/pkg/runner"
	"github.com/cuemby/served/pkg/store"
	"github.com/cuemby/served/pkg/types"
	"github.com/spf13/cobra"
)

// productionCollaborators stands in for the package loader, mount
// helper and container backend served depends on in a real deployment.
// Those are named external collaborators out of this module's scope
// (see pkg/collab); a host binary wires real implementations in here.
// Until then the in-memory fake lets the CLI run end to end against a
// store with no applications or packages pre-registered.
func productionCollaborators() collab.Collaborators {
	fake := collab.NewFake()
	return collab.Collaborators{Packages: fake, Mounts: fake, Containers: fake}
}

func openRunner() (*store.Store, *runner.Runner, error) {
	s, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, nil, err
	}
	r := runner.New(s, productionCollaborators(), cfg.QueueCapacity)
	return s, r, nil
}

func transactionFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("force", false, "skip confirmation and override conflicts")
	cmd.Flags().Bool("yes", false, "assume yes on any handler-level prompt")
	cmd.Flags().Bool("quiet", false, "suppress informational log output")
}

func flagsToBitmask(cmd *cobra.Command) types.TransactionFlags {
	var flags types.TransactionFlags
	if force, _ := cmd.Flags().GetBool("force"); force {
		flags |= types.FlagForce
	}
	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		flags |= types.FlagAutoConfirm
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		flags |= types.FlagQuiet
	}
	return flags
}

func runTransaction(cmd *cobra.Command, txType types.TransactionType, name string) error {
	s, r, err := openRunner()
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := r.CreateTransaction(store.NewTransactionOptions{
		Type:  txType,
		Flags: flagsToBitmask(cmd),
		Name:  name,
	})
	if err != nil {
		return err
	}

	r.Execute()

	state, _ := r.CurrentState(id)
	fmt.Printf("transaction %d (%s %s): %s\n", id, txType, name, state)
	return s.Flush()
}

var installCmd = &cobra.Command{
	Use:   "install <application>",
	Short: "Install an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransaction(cmd, types.TransactionInstall, args[0])
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <application>",
	Short: "Update an installed application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransaction(cmd, types.TransactionUpdate, args[0])
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <application>",
	Short: "Remove an installed application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransaction(cmd, types.TransactionRemove, args[0])
	},
}

func init() {
	transactionFlags(installCmd)
	transactionFlags(updateCmd)
	transactionFlags(removeCmd)
}
