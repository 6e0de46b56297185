package pgserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Program names of the control executable and the data directory inspector.
const (
	PgCtlName         = "pg_ctl"
	PgControlDataName = "pg_controldata"
)

// pg_ctl status exit codes.
const (
	statusNotRunning = 3
	statusNoDataDir  = 4
)

// Responses matched in control executable output. LC_MESSAGES=C is forced
// so these are never translated.
const (
	noServerRunning = "no server running"
	noSuchFile      = "No such file or directory"
)

// Control runs the PostgreSQL control executable and the data directory
// inspector.
type Control struct {
	PgCtl         string // Absolute path to pg_ctl
	PgControlData string // Absolute path to pg_controldata

	platform platform
}

// NewControl resolves the control executables. pgCtl may be empty, a bare
// program name or a path. pg_controldata is looked up next to pg_ctl first so
// both come from the same installation.
func NewControl(loc *Locator, pgCtl string) (*Control, error) {
	if loc == nil {
		loc = DefaultLocator()
	}
	p := hostPlatform()
	if pgCtl == "" {
		pgCtl = PgCtlName
	}
	ctlPath, err := loc.Find(pgCtl)
	if err != nil {
		return nil, err
	}

	dataPath := filepath.Join(filepath.Dir(ctlPath), p.executable(PgControlDataName))
	if !isExecutable(dataPath) {
		dataPath, err = loc.Find(PgControlDataName)
		if err != nil {
			return nil, err
		}
	}
	return &Control{PgCtl: ctlPath, PgControlData: dataPath, platform: p}, nil
}

// result is the outcome of one control executable invocation.
type result struct {
	stdout   string
	stderr   string
	exitCode int
}

func (r result) output() string {
	return strings.TrimSpace(r.stdout + "\n" + r.stderr)
}

// run executes name with args and collects its output. A non-zero exit
// status is reported through result.exitCode, not err; err is only set when
// the program could not be run at all.
func run(ctx context.Context, name string, args ...string) (result, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // G204: control executable path resolved by Locator
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "LC_MESSAGES=C")
	err := cmd.Run()
	res := result{stdout: stdout.String(), stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.exitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("running %s: %w", filepath.Base(name), err)
	}
	return res, nil
}

// InitDB runs first-time setup of dataDir with trust authentication for
// username. Diagnostics printed with a zero exit status are returned as
// warnings rather than failures.
func (c *Control) InitDB(ctx context.Context, dataDir, username, encoding string) (warnings string, err error) {
	opts := "-U " + c.platform.quote(username) + " -A trust"
	if encoding != "" {
		opts += " --encoding " + c.platform.quote(encoding)
	}
	res, err := run(ctx, c.PgCtl, "initdb", "-D", dataDir, "-o", opts)
	if err != nil {
		return "", err
	}
	if res.exitCode != 0 {
		return "", fmt.Errorf("%s initdb exited with status %d: %s", PgCtlName, res.exitCode, res.output())
	}
	return strings.TrimSpace(res.stderr), nil
}

// ServerOptions are passed to the server through pg_ctl's -o flag.
type ServerOptions struct {
	Port           int
	SocketDir      string // "" disables the Unix domain socket option
	MaxConnections int    // 0 keeps the server default
}

// serverArgs renders the -o option string.
func (c *Control) serverArgs(opts ServerOptions) string {
	args := []string{"-F", "-p", strconv.Itoa(opts.Port), "-c", "logging_collector=off"}
	if opts.MaxConnections > 0 {
		args = append(args, "-N", strconv.Itoa(opts.MaxConnections))
	}
	if opts.SocketDir != "" {
		args = append(args, "-k", c.platform.quote(opts.SocketDir))
	}
	return strings.Join(args, " ")
}

// StartCommand builds the command that launches the server on dataDir with
// output going to logFile. The caller starts it and must not wait for the
// server itself to exit.
func (c *Control) StartCommand(dataDir, logFile string, opts ServerOptions) *exec.Cmd {
	cmd := exec.Command(c.PgCtl, "start", //nolint:gosec // G204: control executable path resolved by Locator
		"-D", dataDir,
		"-l", logFile,
		"-o", c.serverArgs(opts),
	)
	cmd.Stdin = nil
	cmd.SysProcAttr = detachedProcessAttr()
	return cmd
}

// Stop shuts down the server on dataDir in fast mode. Any output on the
// error stream is a failure.
func (c *Control) Stop(ctx context.Context, dataDir string) error {
	res, err := run(ctx, c.PgCtl, "stop", "-m", "fast", "-D", dataDir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrShutdown, err)
	}
	if stderr := strings.TrimSpace(res.stderr); stderr != "" {
		return fmt.Errorf("%w: %s", ErrShutdown, stderr)
	}
	if res.exitCode != 0 {
		return fmt.Errorf("%w: %s stop exited with status %d", ErrShutdown, PgCtlName, res.exitCode)
	}
	return nil
}

// IsServerRunning reports whether a server is running on dataDir. The
// "no server running" response and a missing data directory both mean
// false; anything else pg_ctl reports means true.
func (c *Control) IsServerRunning(ctx context.Context, dataDir string) (bool, error) {
	res, err := run(ctx, c.PgCtl, "status", "-D", dataDir)
	if err != nil {
		return false, err
	}
	if strings.Contains(res.output(), noServerRunning) {
		return false, nil
	}
	switch res.exitCode {
	case statusNotRunning, statusNoDataDir:
		return false, nil
	}
	return true, nil
}

// IsValidInstanceDir reports whether dir holds an initialized data
// directory. Only a "No such file or directory" diagnostic from the
// inspector marks it invalid.
func (c *Control) IsValidInstanceDir(ctx context.Context, dir string) (bool, error) {
	res, err := run(ctx, c.PgControlData, dir)
	if err != nil {
		return false, err
	}
	if strings.Contains(res.stderr, noSuchFile) {
		return false, nil
	}
	return true, nil
}

// IsServerRunning checks dataDir using the control executable found by the
// default locator.
func IsServerRunning(ctx context.Context, dataDir string) (bool, error) {
	c, err := NewControl(nil, "")
	if err != nil {
		return false, err
	}
	return c.IsServerRunning(ctx, dataDir)
}

// IsValidInstanceDir checks dir using the inspector found by the default
// locator.
func IsValidInstanceDir(ctx context.Context, dir string) (bool, error) {
	c, err := NewControl(nil, "")
	if err != nil {
		return false, err
	}
	return c.IsValidInstanceDir(ctx, dir)
}
