// Package execx runs the external tools used for muxing and fetching
// (ffmpeg, curl, aria2c).
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/alessio/shellescape"

	"github.com/Kethsar/twitcharchive/internal/logging"
)

// Runner spawns an external program and reports its exit status.
// -1 means the program could not be started or waited on.
type Runner interface {
	Run(ctx context.Context, prog string, args []string) int
	Output(ctx context.Context, prog string, args []string) ([]byte, int)
}

// Exec is the Runner backed by os/exec.
type Exec struct {
	// Stderr receives the child's stderr for Run. Defaults to os.Stderr.
	Stderr io.Writer
}

func command(ctx context.Context, prog string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, prog, args...)

	// Allow for binaries in the current working directory
	if errors.Is(cmd.Err, exec.ErrDot) {
		cmd.Err = nil
	}

	return cmd
}

/*
Execute an external process using the given args, streaming its stderr
Returns the process return code, or -1 on unknown error
*/
func (e Exec) Run(ctx context.Context, prog string, args []string) int {
	cmd := command(ctx, prog, args)
	out := e.Stderr
	if out == nil {
		out = os.Stderr
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		logging.Error(err.Error())
		return -1
	}

	logging.Debug("Executing command: %s", shellescape.QuoteCommand(cmd.Args))

	err = cmd.Start()
	if err != nil {
		logging.Error(err.Error())
		return -1
	}

	stderrBuf := make([]byte, 2048)
	for {
		n, err := stderr.Read(stderrBuf)
		fmt.Fprint(out, string(stderrBuf[:n]))

		if err != nil {
			if err != io.EOF {
				logging.Error(err.Error())
			}

			break
		}
	}

	return exitCode(cmd, cmd.Wait())
}

// Output runs the program and returns what it wrote to stdout. Stderr is
// only surfaced at trace level.
func (e Exec) Output(ctx context.Context, prog string, args []string) ([]byte, int) {
	var stdout, stderr bytes.Buffer
	cmd := command(ctx, prog, args)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Trace("Executing command: %s", shellescape.QuoteCommand(cmd.Args))

	retcode := exitCode(cmd, cmd.Run())
	if stderr.Len() > 0 {
		logging.Trace("%s stderr: %s", prog, stderr.String())
	}

	return stdout.Bytes(), retcode
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	logging.Error(err.Error())
	return -1
}

// LookPath reports whether prog can be executed, treating binaries in the
// working directory as found.
func LookPath(prog string) error {
	_, err := exec.LookPath(prog)
	if errors.Is(err, exec.ErrDot) {
		return nil
	}
	return err
}
