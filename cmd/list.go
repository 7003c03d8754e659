package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"judgerun/job"
	"judgerun/manager"
)

// listCmd runs a batch manifest and prints a table of every job's
// terminal outcome. There is no persisted state to read here (the
// database layer owns that), so the command drives the jobs itself and
// reports on them. Operational debugging aid only; nothing outside this
// process consumes its output.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Run a batch manifest and list every job's terminal status",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var listRequests string

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listRequests, "requests", "", "path to a newline-delimited JSON batch manifest (required)")
	listCmd.MarkFlagRequired("requests")
}

func runList(cmd *cobra.Command, args []string) error {
	results, err := runManifest(listRequests, func(mgr *manager.Manager) {
		go pollActiveJobs(mgr)
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tPROBLEM\tSTATUS\tCASES")
	for _, r := range results {
		status := "error"
		cases := "-"
		if r.ReqError != nil {
			status = r.ReqError.Error()
		} else {
			status = string(r.Outcome.Kind)
			if r.Outcome.State.Mode == job.ModeJudge {
				passed := 0
				for _, c := range r.Outcome.State.Cases {
					if c.Kind == job.CasePassed {
						passed++
					}
				}
				cases = fmt.Sprintf("%d/%d", passed, len(r.Outcome.State.Cases))
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.User, r.Problem, status, cases)
	}
	return w.Flush()
}

// pollActiveJobs prints a snapshot of in-flight jobs every tick until the
// manifest's submissions have all drained. It is best-effort diagnostic
// output only; it never blocks the jobs it is observing.
func pollActiveJobs(mgr *manager.Manager) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		active := mgr.ActiveJobs()
		if len(active) == 0 {
			return
		}
		for _, a := range active {
			fmt.Fprintf(os.Stderr, "active: user=%s problem=%s\n", a.UserID, a.ProblemID)
		}
	}
}
