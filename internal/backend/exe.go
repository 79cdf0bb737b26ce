package backend

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	rcerrors "github.com/systmms/rconfd/internal/errors"
	"github.com/systmms/rconfd/internal/pathexpr"
)

// Exe spawns a command and captures its trimmed stdout as the secret value.
// It carries no state of its own: the static/dynamic re-execution policy
// from the exe: grammar is enforced by the scheduler, which invalidates
// exe:dynamic entries in the secret cache so that a later pass calls Fetch
// again; static entries stay cached.
type Exe struct {
	// DropPrivileges spawns the command as "nobody" when the process is
	// running as root, mirroring the privilege drop a container-init
	// process performs for untrusted commands. Left false in tests.
	DropPrivileges bool
}

// Fetch implements Backend.
func (x Exe) Fetch(ctx context.Context, e pathexpr.Expr) (Value, error) {
	args, err := pathexpr.ValidateExe(e)
	if err != nil {
		return Value{}, err
	}

	argv := strings.Fields(e.Path)
	if len(argv) == 0 {
		return Value{}, rcerrors.PathSyntaxError{Expr: e.Raw, Message: "exe backend requires a command"}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Args[0] = argv[0]

	if x.DropPrivileges && os.Geteuid() == 0 {
		cred, err := nobodyCredential()
		if err != nil {
			return Value{}, rcerrors.BackendFailureError{Backend: pathexpr.BackendExe, Path: e.Path, Err: err}
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Value{}, rcerrors.BackendFailureError{
			Backend: pathexpr.BackendExe,
			Path:    e.Path,
			Stderr:  stderr.String(),
			Err:     err,
		}
	}

	raw := strings.TrimRight(stdout.String(), " \t\r\n")

	if args.Format == pathexpr.FormatJSON {
		if err := validateJSON(pathexpr.BackendExe, e.Path, raw); err != nil {
			return Value{}, err
		}
	}

	return formatValue(args.Format, raw), nil
}

func nobodyCredential() (*syscall.Credential, error) {
	u, err := user.Lookup("nobody")
	if err != nil {
		return nil, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, err
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
