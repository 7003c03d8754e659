package linux

import (
	"os"
	"testing"
)

func TestDropToRunnerRequiresRoot(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("DropToRunner requires starting as root inside the sandbox user namespace")
	}
	// A real exercise of this function tears down the calling process's own
	// privileges irreversibly, so it is only run inside the disposable
	// worker subprocess, never the test binary.
	t.Skip("destructive privilege drop; covered by worker integration tests")
}
