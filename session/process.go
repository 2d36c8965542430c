package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxLineSize is the longest output line the drain loop accepts from the child.
const maxLineSize = 1024 * 1024

// Command describes how to launch the child executable.
type Command struct {
	Path string
	Args []string
	// Dir is the working directory of the child. Empty means the current directory.
	Dir string
	// Env is appended to the current environment.
	Env []string
}

// lookup verifies that the executable exists and returns the path to exec.
func (c Command) lookup() (string, error) {
	if strings.ContainsRune(c.Path, os.PathSeparator) {
		info, err := os.Stat(c.Path)
		if err != nil {
			return "", &SpawnError{Path: c.Path, Err: err}
		}
		if info.IsDir() {
			return "", &SpawnError{Path: c.Path, Err: fmt.Errorf("is a directory")}
		}
		return c.Path, nil
	}
	path, err := exec.LookPath(c.Path)
	if err != nil {
		return "", &SpawnError{Path: c.Path, Err: err}
	}
	return path, nil
}

func (c Command) build(path string) *exec.Cmd {
	cmd := exec.Command(path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd
}

// drainGrace is how long an exited child's drain loop may keep reading output still held by its descendants.
const drainGrace = 100 * time.Millisecond

// process is the handle to one child instance.
// A handle is never revived: once exited is closed, the session replaces it.
type process struct {
	log *zap.SugaredLogger
	cmd *exec.Cmd

	stdin  io.WriteCloser
	writer *bufio.Writer

	// exited is closed once the child has been reaped. exitErr is set before.
	exited  chan struct{}
	exitErr error

	// drained is closed when the drain loop returns.
	drained   chan struct{}
	out       *os.File
	closeOnce sync.Once

	brokenMut sync.Mutex
	broken    bool
}

// spawn launches the child and starts its reaper and drain loop, which appends every output line to buf.
func spawn(log *zap.SugaredLogger, c Command, buf *OutputBuffer) (*process, error) {
	path, err := c.lookup()
	if err != nil {
		return nil, err
	}
	cmd := c.build(path)

	// stdout and stderr share one pipe so their lines keep the order the child wrote them in.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: c.Path, Err: fmt.Errorf("creating output pipe: %w", err)}
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	stdin, err := cmd.StdinPipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, &SpawnError{Path: c.Path, Err: fmt.Errorf("creating stdin pipe: %w", err)}
	}

	err = cmd.Start()
	// the child holds its own copy of the write end, ours must be closed so the drain loop sees EOF when the child exits
	outW.Close()
	if err != nil {
		outR.Close()
		return nil, &SpawnError{Path: c.Path, Err: err}
	}

	p := &process{
		log:     log.With("PID", cmd.Process.Pid),
		cmd:     cmd,
		stdin:   stdin,
		writer:  bufio.NewWriter(stdin),
		exited:  make(chan struct{}),
		drained: make(chan struct{}),
		out:     outR,
	}
	go p.reap()
	go p.drain(buf)
	return p, nil
}

// reap waits for the child itself to exit. Descendants still holding the output pipe don't delay it.
func (p *process) reap() {
	p.exitErr = p.cmd.Wait()
	close(p.exited)
	p.log.Debugw("child exited", "ExitCode", p.cmd.ProcessState.ExitCode(), "Error", p.exitErr)
}

// drain copies output lines into buf until end-of-stream or until the output pipe is closed.
func (p *process) drain(buf *OutputBuffer) {
	defer close(p.drained)

	scanner := bufio.NewScanner(p.out)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	n := 0
	for scanner.Scan() {
		buf.Append(scanner.Text())
		n++
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.log.Debugw("output read error", "Error", &StreamError{Op: "read", Err: err})
	}
	p.closeOutput()
	p.log.Debugw("drain loop done", "Lines", n)
}

func (p *process) closeOutput() {
	p.closeOnce.Do(func() { p.out.Close() })
}

func (p *process) pid() int {
	return p.cmd.Process.Pid
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
	}
	p.brokenMut.Lock()
	defer p.brokenMut.Unlock()
	return !p.broken
}

// writeLine writes one command plus a newline and flushes it to the child.
func (p *process) writeLine(line string) error {
	if _, err := p.writer.WriteString(line + "\n"); err != nil {
		return &StreamError{Op: "write", Err: err}
	}
	if err := p.writer.Flush(); err != nil {
		return &StreamError{Op: "write", Err: err}
	}
	return nil
}

// kill marks the handle dead and kills the child.
func (p *process) kill() {
	p.brokenMut.Lock()
	p.broken = true
	p.brokenMut.Unlock()

	err := p.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Debugf("error killing child: %s", err)
	}
	p.stdin.Close()
}

// wait blocks until the child has been reaped or the timeout elapses.
func (p *process) wait(timeout time.Duration) bool {
	return waitFor(p.exited, timeout)
}

// release stops the drain loop of an exited child. Output already in the pipe is read for up to
// grace, then the pipe is closed so that descendants holding it open can't keep the loop alive.
func (p *process) release(grace time.Duration) {
	if waitFor(p.drained, grace) {
		return
	}
	p.log.Debug("output still held open after exit, closing it")
	p.closeOutput()
	<-p.drained
}

func waitFor(ch <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
