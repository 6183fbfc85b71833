//go:build linux

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"
)

const runCgroupPrefix = "run-"

// cgroupRoot is a delegated cgroup v2 directory under which every phase gets
// its own child. The pids controller must be available to it.
type cgroupRoot struct {
	dir string
}

func openCgroupRoot(dir string) (*cgroupRoot, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cgroup root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup root: %w", err)
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(abs, &fs); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", abs, err)
	}
	if fs.Type != unix.CGROUP2_SUPER_MAGIC {
		return nil, fmt.Errorf("%s is not on a cgroup v2 filesystem", abs)
	}

	available, err := readCgroupFields(abs, "cgroup.controllers")
	if err != nil {
		return nil, err
	}
	if !slices.Contains(available, "pids") {
		return nil, fmt.Errorf("pids controller is not delegated to %s", abs)
	}
	enabled, err := readCgroupFields(abs, "cgroup.subtree_control")
	if err != nil {
		return nil, err
	}
	if !slices.Contains(enabled, "pids") {
		if err := writeCgroupValue(abs, "cgroup.subtree_control", "+pids"); err != nil {
			return nil, fmt.Errorf("enable pids controller: %w", err)
		}
	}
	return &cgroupRoot{dir: abs}, nil
}

// create makes a child cgroup capped at pids tasks. pids <= 0 leaves it
// uncapped.
func (r *cgroupRoot) create(pids int64) (*runCgroup, error) {
	dir := filepath.Join(r.dir, runCgroupPrefix+xid.New().String())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup: %w", err)
	}
	cg := &runCgroup{dir: dir}

	value := "max"
	if pids > 0 {
		value = strconv.FormatInt(pids, 10)
	}
	if err := writeCgroupValue(dir, "pids.max", value); err != nil {
		_ = cg.destroy(0)
		return nil, err
	}
	f, err := os.Open(dir)
	if err != nil {
		_ = cg.destroy(0)
		return nil, fmt.Errorf("open cgroup: %w", err)
	}
	cg.fd = f
	return cg, nil
}

// sweep kills and removes run cgroups left behind by a previous process.
func (r *cgroupRoot) sweep(grace time.Duration) (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("read cgroup root: %w", err)
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), runCgroupPrefix) {
			continue
		}
		cg := &runCgroup{dir: filepath.Join(r.dir, e.Name())}
		if err := cg.destroy(grace); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// runCgroup holds one phase's process tree. The child is cloned straight
// into it, so nothing runs outside the cap even briefly.
type runCgroup struct {
	dir string
	fd  *os.File
}

// FD is handed to SysProcAttr.CgroupFD.
func (c *runCgroup) FD() int {
	return int(c.fd.Fd())
}

// pidsExceeded reports whether a fork was refused because of pids.max.
func (c *runCgroup) pidsExceeded() bool {
	data, err := os.ReadFile(filepath.Join(c.dir, "pids.events"))
	if err != nil {
		return false
	}
	for line := range strings.Lines(string(data)) {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "max" {
			n, _ := strconv.ParseInt(fields[1], 10, 64)
			return n > 0
		}
	}
	return false
}

// destroy kills whatever is still inside and removes the cgroup. A cgroup
// cannot be removed while it has members, so removal is retried for up to
// grace while the kernel reaps them.
func (c *runCgroup) destroy(grace time.Duration) error {
	if c.fd != nil {
		_ = c.fd.Close()
		c.fd = nil
	}
	// cgroup.kill needs Linux 5.14; older kernels rely on the group kill.
	_ = writeCgroupValue(c.dir, "cgroup.kill", "1")

	deadline := time.Now().Add(grace)
	for {
		err := os.Remove(c.dir)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("remove cgroup %s: %w", c.dir, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readCgroupFields(dir, name string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return strings.Fields(string(data)), nil
}

func writeCgroupValue(dir, name, value string) error {
	if err := os.WriteFile(filepath.Join(dir, name), []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
