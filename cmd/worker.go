package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"judgerun/worker"
)

// workerCmd is the self-exec child mode: the service-side worker handle
// spawns this process as `judgerun worker`, and the outer worker in turn
// re-execs itself as `judgerun worker` a second time (with
// JUDGERUN_WORKER_INNER set) to become PID 1 of the fresh PID namespace.
// Keeping this a subcommand of the one executable avoids shipping and
// versioning a second binary.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run the sandboxed worker process (internal use)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	if worker.IsInnerStage() {
		return worker.RunInner(os.Stdin, os.Stdout)
	}
	return worker.RunOuter(os.Stdin, os.Stdout)
}
