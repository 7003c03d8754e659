package linux

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// validCgroupKey matches valid cgroup v2 controller file names, guarding
// against path traversal through a crafted key (cpu.max, memory.swap.max).
var validCgroupKey = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*(\.[a-zA-Z][a-zA-Z0-9]*)*$`)

// Cgroup is a single worker's leaf in a delegated cgroup v2 sub-tree.
type Cgroup struct {
	path string
}

// NewCgroup creates (if necessary) the leaf directory at path, which is
// expected to already be under a sub-tree this process has write authority
// over (a delegated sub-tree, e.g. via `systemd-run --scope -p Delegate=yes`).
func NewCgroup(path string) (*Cgroup, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create cgroup leaf %s: %w", path, err)
	}
	return &Cgroup{path: path}, nil
}

// Path returns the leaf's filesystem path.
func (c *Cgroup) Path() string {
	return c.path
}

// AddProcess migrates pid into this leaf.
func (c *Cgroup) AddProcess(pid int) error {
	return c.write("cgroup.procs", strconv.Itoa(pid))
}

// ApplyMemoryHigh writes memory.high, the soft memory cap whose breaches are
// observable via GetMemoryHighEvents.
func (c *Cgroup) ApplyMemoryHigh(bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	return c.write("memory.high", strconv.FormatInt(bytes, 10))
}

// EnableControllers writes the given controller set (e.g. "+cpu +memory") to
// this leaf's own cgroup.subtree_control, for any children it might create.
func (c *Cgroup) EnableControllers(controllers string) error {
	return c.write("cgroup.subtree_control", controllers)
}

// Destroy removes the leaf. The cgroup must be empty (no processes) first.
func (c *Cgroup) Destroy() error {
	return os.Remove(c.path)
}

// GetCPUUsec reads cpu.stat's usage_usec, the cumulative CPU time consumed
// by everything that has ever run in this leaf.
func (c *Cgroup) GetCPUUsec() (int64, error) {
	f, err := os.Open(filepath.Join(c.path, "cpu.stat"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[0] == "usage_usec" {
			return strconv.ParseInt(fields[1], 10, 64)
		}
	}
	return 0, fmt.Errorf("usage_usec not found in cpu.stat")
}

// GetMemoryHighEvents reads memory.events' "high" counter, the number of
// times this leaf's usage has breached memory.high.
func (c *Cgroup) GetMemoryHighEvents() (int64, error) {
	f, err := os.Open(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[0] == "high" {
			return strconv.ParseInt(fields[1], 10, 64)
		}
	}
	return 0, fmt.Errorf("high counter not found in memory.events")
}

func (c *Cgroup) write(key, value string) error {
	if err := validateCgroupKey(key); err != nil {
		return fmt.Errorf("invalid cgroup key %q: %w", key, err)
	}
	path := filepath.Join(c.path, key)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// validateCgroupKey rejects keys that aren't a plain dotted controller
// filename, preventing path traversal through a crafted configuration value.
func validateCgroupKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key not allowed")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("key contains path separator")
	}
	if key == "." || key == ".." {
		return fmt.Errorf("key is relative path component")
	}
	if strings.HasPrefix(key, ".") {
		return fmt.Errorf("key starts with dot")
	}
	if !validCgroupKey.MatchString(key) {
		return fmt.Errorf("key does not match valid cgroup key pattern")
	}
	return nil
}
