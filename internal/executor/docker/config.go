package docker

import (
	"fmt"
	"os"
	"time"
)

// Config holds the configuration for Docker execution.
// Per-request ceilings (memory, CPU, time) arrive as executor.Limits; this
// struct only holds what is fixed for the lifetime of the backend.
type Config struct {
	// User is the uid:gid the sandboxed process runs as. Empty picks a default
	// (see DefaultUser).
	User string
	// MountPath is where the workspace appears inside the container.
	MountPath string
	// TmpfsSize caps the writable /tmp inside the otherwise read-only root.
	TmpfsSize string
	// PullImages makes EnsureImages pull missing images; when false a missing
	// image is a startup error.
	PullImages bool
	// PullTimeout bounds pulling every image at startup.
	PullTimeout time.Duration
	// KillGrace is how long to wait for a killed container to report its exit.
	KillGrace time.Duration
	// Label marks every container this backend creates, so the reaper can
	// find leftovers after a crash.
	Label string
}

// DefaultConfig provides sensible defaults.
func DefaultConfig() Config {
	return Config{
		User:        DefaultUser(),
		MountPath:   "/workspace",
		TmpfsSize:   "16m",
		PullImages:  true,
		PullTimeout: 10 * time.Minute,
		KillGrace:   5 * time.Second,
		Label:       "runbox.managed",
	}
}

// DefaultUser returns the uid:gid sandboxes run as.
//
// When the service runs as root the sandbox drops to nobody (65534). When it
// runs as an ordinary user it reuses that uid, so build artifacts written into
// the bind-mounted workspace stay removable by the service.
func DefaultUser() string {
	uid, gid := os.Getuid(), os.Getgid()
	if uid <= 0 {
		return "65534:65534"
	}
	return fmt.Sprintf("%d:%d", uid, gid)
}
