package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/handleui/mend/store"
)

var learnedCmd = &cobra.Command{
	Use:   "learned",
	Short: "List the cached verified fixes",
	Args:  cobra.NoArgs,
	RunE:  runLearned,
}

func runLearned(cmd *cobra.Command, args []string) error {
	st, err := store.Open(globalConfig.ResolveStateDir(projectRoot))
	if err != nil {
		return err
	}

	entries, err := st.Learned()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No verified fixes cached yet.")
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].VerifiedAt.After(entries[j].VerifiedAt)
	})

	for _, e := range entries {
		fmt.Printf("%s  confidence=%.2f  verified %s  (%s)\n",
			e.Signature, e.Confidence, e.VerifiedAt.Format("2006-01-02 15:04"), e.Patch.Origin)
	}
	return nil
}
