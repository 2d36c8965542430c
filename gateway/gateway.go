package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jvmadarshkumar/fs-recovery-optimization-tool/dashboard"
	"github.com/jvmadarshkumar/fs-recovery-optimization-tool/session"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	msgNotList     = "Commands must be a list."
	msgMultiline   = "Commands must not contain newlines."
	msgExecFailure = "Execution error or timeout."

	requestIDHeader = "X-Request-Id"
)

// Executor runs command batches against the persistent child.
type Executor interface {
	Execute(commands []string) (string, error)
	Status() session.Status
}

// Runner runs command batches against a fresh child per call.
type Runner interface {
	Run(ctx context.Context, commands []string) (string, error)
}

// Gateway is the HTTP front end of the tool.
// It never fails a request because the child failed, failures are reported in the response body.
type Gateway struct {
	logger *zap.SugaredLogger

	listenAddr      string
	diskMapPath     string
	diskMapInterval time.Duration

	session Executor
	oneShot Runner
	hub     *dashboard.Hub

	serverMut  sync.Mutex
	httpServer *http.Server

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(g *Gateway)

func WithListenAddr(s string) Option {
	return func(g *Gateway) {
		g.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = l.Named("gateway").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(g *Gateway) {
		g.logger = g.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithDiskMap serves the bitmap file at path, polling it every interval.
func WithDiskMap(path string, interval time.Duration) Option {
	return func(g *Gateway) {
		g.diskMapPath = path
		g.diskMapInterval = interval
	}
}

// New constructs a gateway in front of a persistent session and a one-shot runner.
func New(sess Executor, oneShot Runner, opts ...Option) (*Gateway, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	g := &Gateway{
		logger:          logger.Named("gateway").Sugar(),
		listenAddr:      "127.0.0.1:5000",
		diskMapInterval: dashboard.DefaultInterval,
		session:         sess,
		oneShot:         oneShot,
		hub:             dashboard.NewHub(),
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Handler returns the gateway's routes.
func (g *Gateway) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", g.heartbeat)
	router.GET("/api/status", g.status)
	router.POST("/api/exec", g.exec)
	router.POST("/api/exec/once", g.execOnce)
	router.GET("/api/diskmap", g.diskMap)
	router.GET("/api/diskmap/ws", g.diskMapWS)
	return withRequestID(router)
}

// Run serves HTTP until ctx is done or Stop is called.
func (g *Gateway) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	server := &http.Server{Handler: g.Handler()}
	g.serverMut.Lock()
	g.httpServer = server
	g.serverMut.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	if g.diskMapPath != "" {
		go g.WatchDiskMap(ctx)
	}

	g.logger.Infow("serving", "Addr", listener.Addr().String())
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (g *Gateway) Stop() error {
	g.serverMut.Lock()
	defer g.serverMut.Unlock()
	if g.httpServer == nil {
		return nil
	}
	return g.httpServer.Close()
}

// WatchDiskMap polls the bitmap file and publishes changes to WebSocket subscribers until ctx is done.
func (g *Gateway) WatchDiskMap(ctx context.Context) error {
	if g.diskMapPath == "" {
		return errors.New("no disk map configured")
	}
	poller := &dashboard.Poller{
		Path:     g.diskMapPath,
		Interval: g.diskMapInterval,
		Log:      g.logger.Named("diskmap"),
	}
	return poller.Run(ctx, func(s dashboard.Snapshot) {
		if g.hub.Publish(s) {
			g.logger.Debugw("disk map changed", "Status", s.Status, "Used", s.Used, "Free", s.Free)
		}
	})
}

type requestIDKey struct{}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (g *Gateway) requestLogger(r *http.Request) *zap.SugaredLogger {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return g.logger.With("RequestID", id)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

func (g *Gateway) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	g.heartbeatMut.Lock()
	lastHeartbeat := g.lastHeartbeat
	g.lastHeartbeat = time.Now()
	g.heartbeatMut.Unlock()
	g.writeJSON(w, http.StatusOK, HeartbeatResponse{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	st := g.session.Status()
	g.writeJSON(w, http.StatusOK, StatusResponse{
		Running:  st.Running,
		PID:      st.PID,
		Spawns:   st.Spawns,
		Buffered: st.Buffered,
	})
}

// decodeCommands reads the command list from the request body.
// Anything but a JSON list of strings is rejected.
func decodeCommands(r *http.Request) ([]string, bool) {
	var req struct {
		Commands json.RawMessage `json:"commands"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, false
	}
	raw := bytes.TrimSpace(req.Commands)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, false
	}
	var commands []string
	if err := json.Unmarshal(raw, &commands); err != nil {
		return nil, false
	}
	return commands, true
}

// exec runs the commands in the persistent session.
// The request context is not passed on, commands already written cannot be taken back.
func (g *Gateway) exec(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	log := g.requestLogger(r)
	commands, ok := decodeCommands(r)
	if !ok {
		g.writeJSON(w, http.StatusOK, ExecResponse{OK: false, Out: msgNotList})
		return
	}
	log.Debugw("executing in session", "Commands", len(commands))

	out, err := g.session.Execute(commands)
	if err != nil {
		log.Debugw("session execute failed", "Error", err)
		g.writeJSON(w, http.StatusOK, ExecResponse{OK: false, Out: sessionDiagnostic(err)})
		return
	}
	g.writeJSON(w, http.StatusOK, ExecResponse{OK: true, Out: out})
}

// execOnce runs the commands in a fresh child. If the request is aborted, the child is killed.
func (g *Gateway) execOnce(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	log := g.requestLogger(r)
	commands, ok := decodeCommands(r)
	if !ok {
		g.writeJSON(w, http.StatusOK, ExecResponse{OK: false, Out: msgNotList})
		return
	}
	log.Debugw("executing once", "Commands", len(commands))

	out, err := g.oneShot.Run(r.Context(), commands)
	if err != nil {
		log.Debugw("one-shot run failed", "Error", err)
		g.writeJSON(w, http.StatusOK, ExecResponse{OK: false, Out: oneShotDiagnostic(err)})
		return
	}
	g.writeJSON(w, http.StatusOK, ExecResponse{OK: true, Out: out})
}

func notFoundDiagnostic(err error) (string, bool) {
	var spawnErr *session.SpawnError
	if errors.As(err, &spawnErr) && spawnErr.NotFound() {
		return fmt.Sprintf("%s not found. Compile it first.", filepath.Base(spawnErr.Path)), true
	}
	return "", false
}

func sessionDiagnostic(err error) string {
	if msg, ok := notFoundDiagnostic(err); ok {
		return msg
	}
	var spawnErr *session.SpawnError
	var streamErr *session.StreamError
	switch {
	case errors.Is(err, session.ErrMultilineCommand):
		return msgMultiline
	case errors.As(err, &spawnErr):
		return fmt.Sprintf("failed to launch %s: %s", filepath.Base(spawnErr.Path), spawnErr.Err)
	case errors.As(err, &streamErr):
		return fmt.Sprintf("session ended (%s), the next request starts a new one", streamErr.Err)
	}
	return err.Error()
}

func oneShotDiagnostic(err error) string {
	if msg, ok := notFoundDiagnostic(err); ok {
		return msg
	}
	if errors.Is(err, session.ErrMultilineCommand) {
		return msgMultiline
	}
	return msgExecFailure
}

func (g *Gateway) diskMap(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if g.diskMapPath == "" {
		http.Error(w, "no disk map configured", http.StatusNotFound)
		return
	}
	snap, err := dashboard.Load(g.diskMapPath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, snap)
}

// diskMapWS pushes a snapshot over a WebSocket connection every time the bitmap changes.
func (g *Gateway) diskMapWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	log := g.requestLogger(r)
	if g.diskMapPath == "" {
		http.Error(w, "no disk map configured", http.StatusNotFound)
		return
	}
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("disk map WebSocket accept error: %s", err)
		return
	}
	log.Debug("accepted disk map WebSocket conn")

	if _, ok := g.hub.Latest(); !ok {
		if snap, err := dashboard.Load(g.diskMapPath); err == nil {
			g.hub.Publish(snap)
		}
	}
	snaps, unsubscribe := g.hub.Subscribe()
	defer unsubscribe()

	// the client never sends anything, reading only detects when it goes away
	ctx := wsConn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			wsConn.Close(websocket.StatusNormalClosure, "")
			return
		case snap := <-snaps:
			err := wsjson.Write(ctx, wsConn, snap)
			if err != nil {
				log.Debugf("error writing disk map snapshot: %s", err)
				wsConn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
