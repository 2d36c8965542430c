package session

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultSettleInterval is how long Execute waits for the child to respond before draining its output.
	DefaultSettleInterval = 250 * time.Millisecond

	closeTimeout = 5 * time.Second
)

// Session keeps one child process alive across many Execute calls.
// Execute calls are fully serialized.
type Session struct {
	log *zap.SugaredLogger

	command Command
	settle  time.Duration
	sleep   func(time.Duration)

	buf *OutputBuffer

	// mut guards the execute critical section and everything below it.
	mut    sync.Mutex
	proc   *process
	spawns int
}

type Option func(s *Session)

// WithSettleInterval sets how long Execute waits after writing before it drains output.
func WithSettleInterval(d time.Duration) Option {
	return func(s *Session) {
		s.settle = d
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// New constructs a session for the given command. No child is started until Start or Execute is called.
func New(command Command, opts ...Option) *Session {
	s := &Session{
		log:     zap.NewNop().Sugar(),
		command: command,
		settle:  DefaultSettleInterval,
		sleep:   time.Sleep,
		buf:     &OutputBuffer{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start ensures the child is running.
func (s *Session) Start() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.ensureRunning()
}

// ensureRunning spawns a child when there is none or the previous one has exited.
// Must be called with s.mut held.
func (s *Session) ensureRunning() error {
	if s.proc != nil {
		if s.proc.alive() {
			return nil
		}
		// a broken child may still be running, it must be gone before its replacement starts
		if s.proc.wait(closeTimeout) {
			s.log.Debugw("previous child ended", "PID", s.proc.pid(), "Error", s.proc.exitErr)
			s.proc.release(drainGrace)
		} else {
			s.log.Warnw("previous child has not exited, respawning anyway", "PID", s.proc.pid())
			s.proc.closeOutput()
		}
	}

	proc, err := spawn(s.log, s.command, s.buf)
	if err != nil {
		s.log.Errorw("spawning child", "Path", s.command.Path, "Error", err)
		return err
	}
	s.proc = proc
	s.spawns++
	s.log.Infow("spawned child", "Path", s.command.Path, "PID", proc.pid(), "Spawns", s.spawns)
	return nil
}

// Execute writes the commands to the child, waits for the settle interval and returns all output buffered by then.
// The returned output may contain lines produced in response to an earlier call, and may lack lines the child has not produced yet.
func (s *Session) Execute(commands []string) (string, error) {
	for _, c := range commands {
		if strings.ContainsAny(c, "\r\n") {
			return "", ErrMultilineCommand
		}
	}

	s.mut.Lock()
	defer s.mut.Unlock()

	err := s.ensureRunning()
	if err != nil {
		return "", err
	}

	for _, c := range commands {
		err := s.proc.writeLine(c)
		if err != nil {
			s.log.Debugw("write failed, killing child", "PID", s.proc.pid(), "Error", err)
			s.proc.kill()
			return "", err
		}
	}
	s.log.Debugw("wrote commands", "PID", s.proc.pid(), "Count", len(commands))

	// there is no framing in the child's output, so the settle interval is the only end-of-response signal
	s.sleep(s.settle)

	lines := s.buf.Drain()
	var out strings.Builder
	for _, l := range lines {
		out.WriteString(l)
		out.WriteByte('\n')
	}
	return out.String(), nil
}

// Status is a point-in-time view of a session.
type Status struct {
	Running  bool
	PID      int
	Spawns   int
	Buffered int
}

// Status reports whether the child is running along with the spawn count and buffered line count.
func (s *Session) Status() Status {
	s.mut.Lock()
	defer s.mut.Unlock()
	st := Status{
		Spawns:   s.spawns,
		Buffered: s.buf.Len(),
	}
	if s.proc != nil && s.proc.alive() {
		st.Running = true
		st.PID = s.proc.pid()
	}
	return st
}

// Close kills the current child, if any, and waits for it to be reaped.
// The session can still be used afterwards, the next Execute spawns a new child.
func (s *Session) Close() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.proc == nil {
		return nil
	}
	if s.proc.alive() {
		s.proc.kill()
	}
	if !s.proc.wait(closeTimeout) {
		s.log.Warnw("child not reaped after kill", "PID", s.proc.pid())
		s.proc.closeOutput()
		return nil
	}
	s.proc.release(drainGrace)
	return nil
}
