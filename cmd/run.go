package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/handleui/mend/session"
)

var maxRetriesFlag int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the suite and fix the first failure",
	Long: `Run executes one full fix session: run the test suite, target the first
failure, synthesize and apply candidate patches, and re-validate until
the suite is green or the retry budget runs out. The working tree ends
either at a fully validated fix or byte-exact at its starting state.

Only one session may run per project root at a time.`,
	Example: `  # Fix the current project
  mend run

  # Allow more fix attempts
  mend run --max-retries 10`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&maxRetriesFlag, "max-retries", 0, "override the configured retry budget")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := globalConfig
	if maxRetriesFlag > 0 {
		cfg.MaxRetries = maxRetriesFlag
	}

	ctrl, err := session.New(projectRoot, cfg, session.Deps{Log: slog.Default()})
	if err != nil {
		return err
	}

	summary, err := ctrl.Run(cmd.Context())
	if errors.Is(err, session.ErrSessionActive) {
		return fmt.Errorf("%w; wait for it to finish or check %s", err, cfg.ResolveStateDir(projectRoot))
	}
	if err != nil {
		return err
	}

	switch summary.State {
	case session.StateCommitted:
		if summary.Signature == "" {
			fmt.Println("Suite is clean; nothing to fix.")
			break
		}
		fmt.Printf("Fixed %s in %d cycle(s).\n", summary.Signature, summary.Cycles)
		if len(summary.Touched) > 0 {
			fmt.Printf("Changed: %s\n", strings.Join(summary.Touched, ", "))
		}
	case session.StateAborted:
		fmt.Printf("Gave up after %d cycle(s): %s\n", summary.Cycles, summary.Detail)
		fmt.Println("Working tree restored to its original state.")
	case session.StateRolledBack:
		fmt.Printf("Session rolled back: %s\n", summary.Detail)
	}
	return nil
}
