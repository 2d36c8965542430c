package session

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultOneShotTimeout = 8 * time.Second
	DefaultExitCommand    = "exit"
)

// OneShot runs every batch of commands in a fresh child that is asked to exit at the end of the batch.
type OneShot struct {
	log *zap.SugaredLogger

	command     Command
	timeout     time.Duration
	exitCommand string
}

type OneShotOption func(o *OneShot)

// WithTimeout bounds how long a single Run may take.
func WithTimeout(d time.Duration) OneShotOption {
	return func(o *OneShot) {
		o.timeout = d
	}
}

// WithExitCommand sets the command appended to every batch to make the child exit.
// An empty command appends nothing, the child then exits on end of input.
func WithExitCommand(c string) OneShotOption {
	return func(o *OneShot) {
		o.exitCommand = c
	}
}

func WithOneShotLogger(l *zap.SugaredLogger) OneShotOption {
	return func(o *OneShot) {
		o.log = l
	}
}

func NewOneShot(command Command, opts ...OneShotOption) *OneShot {
	o := &OneShot{
		log:         zap.NewNop().Sugar(),
		command:     command,
		timeout:     DefaultOneShotTimeout,
		exitCommand: DefaultExitCommand,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run starts a child, feeds it the commands followed by the exit command and returns everything it printed.
// A child that exits with a non-zero status is not an error.
func (o *OneShot) Run(ctx context.Context, commands []string) (string, error) {
	for _, c := range commands {
		if strings.ContainsAny(c, "\r\n") {
			return "", ErrMultilineCommand
		}
	}
	path, err := o.command.lookup()
	if err != nil {
		return "", err
	}

	lines := commands
	if o.exitCommand != "" {
		lines = append(append([]string{}, commands...), o.exitCommand)
	}
	var stdin strings.Builder
	for _, l := range lines {
		stdin.WriteString(l)
		stdin.WriteByte('\n')
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	cmd := o.command.build(path)
	cmd.Stdin = strings.NewReader(stdin.String())
	out := &bytes.Buffer{}
	cmd.Stdout = out
	cmd.Stderr = out
	// processes started by the child may hold the output open after it is killed
	cmd.WaitDelay = time.Second

	err = cmd.Start()
	if err != nil {
		return "", &SpawnError{Path: o.command.Path, Err: err}
	}
	log := o.log.With("PID", cmd.Process.Pid)
	log.Debugw("started one-shot child", "Commands", len(commands))

	// kill on deadline
	stop := context.AfterFunc(ctx, func() {
		cmd.Process.Kill()
	})
	defer stop()

	err = cmd.Wait()
	if ctx.Err() != nil {
		log.Debugw("one-shot child timed out", "Timeout", o.timeout, "Error", ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out.String(), &TimeoutError{Timeout: o.timeout, Output: out.String()}
		}
		return out.String(), ctx.Err()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return out.String(), &StreamError{Op: "wait", Err: err}
	}
	log.Debugw("one-shot child exited", "ExitCode", cmd.ProcessState.ExitCode())
	return out.String(), nil
}
