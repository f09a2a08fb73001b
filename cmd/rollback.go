package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/handleui/mend/session"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore files left modified by an interrupted session",
	Long: `Rollback restores the working tree from the baseline a session persisted
before mutating files. It is only needed when a session was killed
mid-cycle; a session that runs to completion always leaves the tree in
a terminal state on its own.`,
	Args: cobra.NoArgs,
	RunE: runRollback,
}

func runRollback(cmd *cobra.Command, args []string) error {
	stateDir := globalConfig.ResolveStateDir(projectRoot)

	restored, err := session.ForceRollback(projectRoot, stateDir)
	if err != nil {
		return err
	}
	if restored == nil {
		fmt.Println("No persisted baseline found; nothing to roll back.")
		return nil
	}
	fmt.Printf("Restored %d file(s): %s\n", len(restored), strings.Join(restored, ", "))
	return nil
}
