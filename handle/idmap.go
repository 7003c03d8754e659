package handle

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"

	"judgerun/errors"
)

// subordinateRange is one allocation out of /etc/subuid or /etc/subgid:
// `start` is the first id in the range, `count` how many ids it spans.
type subordinateRange struct {
	start int
	count int
}

// readSubordinateRange finds the invoking user's entry in /etc/subuid or
// /etc/subgid. The service user is expected to have exactly one such
// entry; only the first matching line is used.
func readSubordinateRange(path, username string) (subordinateRange, error) {
	f, err := os.Open(path)
	if err != nil {
		return subordinateRange{}, errors.Wrap(err, errors.ErrInvalidConfig, "handle.readSubordinateRange")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != 3 || fields[0] != username {
			continue
		}
		start, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		count, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		return subordinateRange{start: start, count: count}, nil
	}
	return subordinateRange{}, fmt.Errorf("no subordinate id range for %s in %s", username, path)
}

// idMapHelpers invokes the host's setuid newuidmap/newgidmap binaries on
// childPID, per the sandbox recipe's step 3: id 0 in the namespace maps to
// the invoker, id 1 maps to one subordinate id reserved for "the user".
// These must run from outside the target user namespace, which is why the
// service-side handle — not the worker itself — performs this step.
func idMapHelpers(childPID int) error {
	me, err := user.Current()
	if err != nil {
		return errors.Wrap(err, errors.ErrUidGidMap.Kind, "handle.idMapHelpers")
	}

	uidRange, err := readSubordinateRange("/etc/subuid", me.Username)
	if err != nil {
		return errors.WrapWithDetail(errors.ErrUidGidMap, errors.ErrSandboxSetup, "handle.idMapHelpers", err.Error())
	}
	gidRange, err := readSubordinateRange("/etc/subgid", me.Username)
	if err != nil {
		return errors.WrapWithDetail(errors.ErrUidGidMap, errors.ErrSandboxSetup, "handle.idMapHelpers", err.Error())
	}

	if err := runIDMapHelper("newuidmap", childPID, me.Uid, uidRange); err != nil {
		return err
	}
	if err := runIDMapHelper("newgidmap", childPID, me.Gid, gidRange); err != nil {
		return err
	}
	return nil
}

func runIDMapHelper(binary string, childPID int, invokerID string, sub subordinateRange) error {
	args := []string{
		strconv.Itoa(childPID),
		"0", invokerID, "1",
		"1", strconv.Itoa(sub.start), "1",
	}
	cmd := exec.Command(binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.WrapWithDetail(errors.ErrUidGidMap, errors.ErrSandboxSetup, "handle."+binary,
			fmt.Sprintf("%v: %s", err, strings.TrimSpace(string(out))))
	}
	return nil
}
