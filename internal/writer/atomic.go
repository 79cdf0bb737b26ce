// Package writer implements the atomic, comparison-and-commit file writer
// the manifestation pipeline uses to land jsonnet output on disk.
package writer

import (
	"crypto/sha1"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	rcerrors "github.com/systmms/rconfd/internal/errors"
	"github.com/systmms/rconfd/internal/logging"
)

// FileSpec describes one output file the manifestation pipeline wants
// written.
type FileSpec struct {
	Path    string
	Content []byte
	Mode    os.FileMode
	User    string
}

// Writer writes files atomically via a temp-sibling-file-and-rename, and
// applies mode/ownership.
type Writer struct {
	// Privileged reports whether the process may chown files. Set from
	// os.Geteuid() == 0 at startup; kept as a field so tests can force
	// either branch without running as root.
	Privileged bool

	// Logger receives the warning issued when a template declares an owner
	// different from the process's own user while the process itself is
	// unprivileged (no chown is attempted unless Privileged is set). Left
	// nil in tests that don't care about this diagnostic.
	Logger *logging.Logger
}

// New creates a Writer using the process's actual privilege level.
func New(logger *logging.Logger) *Writer {
	return &Writer{Privileged: os.Geteuid() == 0, Logger: logger}
}

// Write compares spec's content against whatever is currently on disk at
// spec.Path by SHA-1 digest and, on difference, replaces it atomically.
// It reports whether the file's content changed.
func (w *Writer) Write(spec FileSpec) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(spec.Path), 0o755); err != nil {
		return false, rcerrors.IoError{Path: spec.Path, Err: err}
	}

	newSum := sha1.Sum(spec.Content)
	if existing, err := os.ReadFile(spec.Path); err == nil {
		oldSum := sha1.Sum(existing)
		if newSum == oldSum {
			return false, nil
		}
	}

	tmpPath := filepath.Join(filepath.Dir(spec.Path), fmt.Sprintf("%s.rconfd.tmp.%d.%s", filepath.Base(spec.Path), os.Getpid(), uuid.NewString()))

	if err := w.writeTemp(tmpPath, spec); err != nil {
		os.Remove(tmpPath)
		return false, err
	}

	if err := os.Rename(tmpPath, spec.Path); err != nil {
		os.Remove(tmpPath)
		return false, rcerrors.IoError{Path: spec.Path, Err: err}
	}

	return true, nil
}

func (w *Writer) writeTemp(tmpPath string, spec FileSpec) error {
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return rcerrors.IoError{Path: spec.Path, Err: err}
	}

	if _, err := f.Write(spec.Content); err != nil {
		f.Close()
		return rcerrors.IoError{Path: spec.Path, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return rcerrors.IoError{Path: spec.Path, Err: err}
	}
	if err := f.Close(); err != nil {
		return rcerrors.IoError{Path: spec.Path, Err: err}
	}

	mode := spec.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return rcerrors.IoError{Path: spec.Path, Err: err}
	}

	if spec.User != "" {
		w.warnIfUserMismatch(spec.User)
		if w.Privileged {
			if err := chownTo(tmpPath, spec.User); err != nil {
				return rcerrors.IoError{Path: spec.Path, Err: err}
			}
		}
	}

	return nil
}

// warnIfUserMismatch logs when a template's declared owner differs from the
// process's own user and the process is itself unprivileged (its own group
// isn't the root group), mirroring the ownership check the original daemon
// performs before every chown attempt.
func (w *Writer) warnIfUserMismatch(username string) {
	if w.Logger == nil {
		return
	}
	current, err := user.Current()
	if err != nil {
		return
	}
	target, err := user.Lookup(username)
	if err != nil {
		return
	}
	if target.Uid != current.Uid && current.Gid != "0" {
		w.Logger.Warn("user %q is different than rconfd user which is unprivileged user", username)
	}
}

func chownTo(path, username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}
	return syscall.Chown(path, uid, gid)
}
