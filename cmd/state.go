package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// stateCmd runs a batch manifest and dumps one job's terminal state as
// JSON. Operational debugging only, like list.go.
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Run a batch manifest and print one job's terminal state as JSON",
	Args:  cobra.NoArgs,
	RunE:  runState,
}

var (
	stateRequests string
	stateUser     string
	stateProblem  string
)

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.Flags().StringVar(&stateRequests, "requests", "", "path to a newline-delimited JSON batch manifest (required)")
	stateCmd.Flags().StringVar(&stateUser, "user", "", "user_id of the job to print (required)")
	stateCmd.Flags().StringVar(&stateProblem, "problem", "", "problem_id of the job to print (required)")
	stateCmd.MarkFlagRequired("requests")
	stateCmd.MarkFlagRequired("user")
	stateCmd.MarkFlagRequired("problem")
}

func runState(cmd *cobra.Command, args []string) error {
	results, err := runManifest(stateRequests, nil)
	if err != nil {
		return err
	}

	for _, r := range results {
		if r.User != stateUser || r.Problem != stateProblem {
			continue
		}
		if r.ReqError != nil {
			return fmt.Errorf("job for user=%s problem=%s was not admitted: %w", r.User, r.Problem, r.ReqError)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r.Outcome.State)
	}
	return fmt.Errorf("no manifest entry for user=%s problem=%s", stateUser, stateProblem)
}
