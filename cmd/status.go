package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/handleui/mend/session"
	"github.com/handleui/mend/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last session and recent attempts",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

const recentAttempts = 10

func runStatus(cmd *cobra.Command, args []string) error {
	stateDir := globalConfig.ResolveStateDir(projectRoot)

	rec, err := session.Status(stateDir)
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Println("No session has run in this project yet.")
		return nil
	}

	fmt.Printf("Session %s\n", rec.ID)
	fmt.Printf("  state:   %s\n", rec.State)
	fmt.Printf("  cycles:  %d\n", rec.Cycle)
	if rec.Signature != "" {
		fmt.Printf("  target:  %s\n", rec.Signature)
	}
	fmt.Printf("  started: %s\n", rec.StartedAt.Format("2006-01-02 15:04:05 MST"))
	if rec.EndedAt != nil {
		fmt.Printf("  ended:   %s\n", rec.EndedAt.Format("2006-01-02 15:04:05 MST"))
	}
	if rec.Detail != "" {
		fmt.Printf("  detail:  %s\n", rec.Detail)
	}

	st, err := store.Open(stateDir)
	if err != nil {
		return err
	}
	attempts, err := st.Attempts()
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		return nil
	}

	start := 0
	if len(attempts) > recentAttempts {
		start = len(attempts) - recentAttempts
	}
	fmt.Printf("\nRecent attempts:\n")
	for _, a := range attempts[start:] {
		fmt.Printf("  %s  %-10s %-10s confidence=%.2f  %s\n",
			a.Timestamp.Format("2006-01-02 15:04:05"), a.Origin, a.Outcome, a.Confidence, a.Signature)
	}
	return nil
}
