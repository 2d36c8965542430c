package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jvmadarshkumar/fs-recovery-optimization-tool/dashboard"
	inet "github.com/jvmadarshkumar/fs-recovery-optimization-tool/internal/net"
	"github.com/jvmadarshkumar/fs-recovery-optimization-tool/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

const echoScript = `while IFS= read -r l; do [ "$l" = exit ] && exit 0; echo "$l"; done`

func echoCommand() session.Command {
	return session.Command{Path: "/bin/sh", Args: []string{"-c", echoScript}}
}

type testGateway struct {
	gw     *Gateway
	sess   *session.Session
	server *httptest.Server
	client *Client
}

func newTestGateway(t *testing.T, cmd session.Command, opts ...Option) *testGateway {
	sess := session.New(cmd, session.WithSettleInterval(50*time.Millisecond), session.WithLogger(log.Named("session")))
	t.Cleanup(func() { sess.Close() })
	oneShot := session.NewOneShot(cmd, session.WithTimeout(2*time.Second))

	gw, err := New(sess, oneShot, opts...)
	require.NoError(t, err)
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	client, err := NewClient(log, server.URL)
	require.NoError(t, err)
	return &testGateway{gw: gw, sess: sess, server: server, client: client}
}

func TestExec(t *testing.T) {
	ctx := context.Background()
	tg := newTestGateway(t, echoCommand())

	resp, err := tg.client.Exec(ctx, []string{"create a 100", "ls"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "create a 100\nls\n", resp.Out)

	// same child across requests
	resp, err = tg.client.Exec(ctx, []string{"frag"})
	require.NoError(t, err)
	assert.Equal(t, "frag\n", resp.Out)

	st, err := tg.client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Spawns)
	assert.NotZero(t, st.PID)
}

func TestExecOnce(t *testing.T) {
	ctx := context.Background()
	tg := newTestGateway(t, echoCommand())

	resp, err := tg.client.ExecOnce(ctx, []string{"ls", "frag"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "ls\nfrag\n", resp.Out)

	// one-shot runs leave the persistent session alone
	st, err := tg.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Spawns)
}

func TestExecRejectsNonList(t *testing.T) {
	tg := newTestGateway(t, echoCommand())

	cases := []struct {
		name string
		body string
	}{
		{name: "string", body: `{"commands": "ls"}`},
		{name: "missing", body: `{}`},
		{name: "null", body: `{"commands": null}`},
		{name: "object", body: `{"commands": {"0": "ls"}}`},
		{name: "non-string element", body: `{"commands": ["ls", 3]}`},
		{name: "invalid JSON", body: `{"commands": [`},
	}
	for _, c := range cases {
		for _, path := range []string{"/api/exec", "/api/exec/once"} {
			t.Run(c.name+" "+path, func(t *testing.T) {
				httpResp, err := http.Post(tg.server.URL+path, "application/json", strings.NewReader(c.body))
				require.NoError(t, err)
				defer httpResp.Body.Close()
				assert.Equal(t, http.StatusOK, httpResp.StatusCode)
				assert.NotEmpty(t, httpResp.Header.Get(requestIDHeader))

				var resp ExecResponse
				require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&resp))
				assert.False(t, resp.OK)
				assert.Equal(t, "Commands must be a list.", resp.Out)
			})
		}
	}

	// the core was never invoked
	assert.Equal(t, 0, tg.sess.Status().Spawns)
}

func TestExecMissingBinary(t *testing.T) {
	ctx := context.Background()
	tg := newTestGateway(t, session.Command{Path: filepath.Join(t.TempDir(), "fs_tool")})

	resp, err := tg.client.Exec(ctx, []string{"ls"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, "fs_tool not found. Compile it first.", resp.Out)

	resp, err = tg.client.ExecOnce(ctx, []string{"ls"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, "fs_tool not found. Compile it first.", resp.Out)
}

func TestExecOnceTimeout(t *testing.T) {
	cmd := session.Command{Path: "sleep", Args: []string{"10"}}
	sess := session.New(cmd)
	gw, err := New(sess, session.NewOneShot(cmd, session.WithTimeout(100*time.Millisecond)))
	require.NoError(t, err)
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)
	client, err := NewClient(log, server.URL)
	require.NoError(t, err)

	resp, err := client.ExecOnce(context.Background(), []string{"ls"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, "Execution error or timeout.", resp.Out)
}

func TestExecMultilineCommand(t *testing.T) {
	tg := newTestGateway(t, echoCommand())

	resp, err := tg.client.Exec(context.Background(), []string{"write a x\nrecover"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, "Commands must not contain newlines.", resp.Out)
}

func TestExecAfterChildExits(t *testing.T) {
	ctx := context.Background()
	tg := newTestGateway(t, echoCommand())

	_, err := tg.client.Exec(ctx, []string{"exit"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !tg.sess.Status().Running }, 2*time.Second, 10*time.Millisecond)

	resp, err := tg.client.Exec(ctx, []string{"ls"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "ls\n", resp.Out)
	assert.Equal(t, 2, tg.sess.Status().Spawns)
}

func TestConcurrentExecsDoNotInterleave(t *testing.T) {
	ctx := context.Background()
	tg := newTestGateway(t, echoCommand())

	batches := [][]string{
		{"create a 1", "write a aaa", "read a"},
		{"create b 1", "write b bbb", "read b"},
		{"create c 1", "write c ccc", "read c"},
	}
	var wg sync.WaitGroup
	resps := make([]*ExecResponse, len(batches))
	errs := make([]error, len(batches))
	for i := range batches {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			resps[i], errs[i] = tg.client.Exec(ctx, batches[i])
		}()
	}
	wg.Wait()

	for i, b := range batches {
		require.NoError(t, errs[i])
		assert.Equal(t, strings.Join(b, "\n")+"\n", resps[i].Out)
	}
}

type fakeSession struct {
	err error
}

func (f *fakeSession) Execute(commands []string) (string, error) { return "", f.err }
func (f *fakeSession) Status() session.Status                   { return session.Status{} }

func TestSessionDiagnostics(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		expOut string
	}{
		{
			name:   "launch failure",
			err:    &session.SpawnError{Path: "/opt/fs_tool", Err: os.ErrPermission},
			expOut: "failed to launch fs_tool: permission denied",
		},
		{
			name:   "stream failure",
			err:    &session.StreamError{Op: "write", Err: errors.New("broken pipe")},
			expOut: "session ended (broken pipe), the next request starts a new one",
		},
		{
			name:   "other",
			err:    errors.New("boom"),
			expOut: "boom",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			gw, err := New(&fakeSession{err: c.err}, nil)
			require.NoError(t, err)
			server := httptest.NewServer(gw.Handler())
			defer server.Close()
			client, err := NewClient(log, server.URL)
			require.NoError(t, err)

			resp, err := client.Exec(context.Background(), []string{"ls"})
			require.NoError(t, err)
			assert.False(t, resp.OK)
			assert.Equal(t, c.expOut, resp.Out)
		})
	}
}

func TestDiskMap(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disk_map.txt")
	tg := newTestGateway(t, echoCommand(), WithDiskMap(path, 10*time.Millisecond))

	snap, err := tg.client.DiskMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, dashboard.StatusWaiting, snap.Status)

	require.NoError(t, os.WriteFile(path, []byte("101101\n"), 0644))
	snap, err = tg.client.DiskMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, dashboard.StatusLoaded, snap.Status)
	require.Len(t, snap.Blocks, 6)
	for i := 0; i < 4; i++ {
		assert.Equal(t, dashboard.KindSystem, snap.Blocks[i].Kind)
	}
	assert.Equal(t, dashboard.KindFree, snap.Blocks[4].Kind)
	assert.Equal(t, dashboard.KindUsed, snap.Blocks[5].Kind)
}

func TestDiskMapNotConfigured(t *testing.T) {
	tg := newTestGateway(t, echoCommand())
	_, err := tg.client.DiskMap(context.Background())
	assert.ErrorContains(t, err, "404")
}

func TestWatchDiskMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk_map.txt")
	require.NoError(t, os.WriteFile(path, []byte("0000"), 0644))
	tg := newTestGateway(t, echoCommand(), WithDiskMap(path, 10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go tg.gw.WatchDiskMap(ctx)

	snaps := make(chan dashboard.Snapshot)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- tg.client.WatchDiskMap(ctx, func(s dashboard.Snapshot) {
			select {
			case snaps <- s:
			case <-ctx.Done():
			}
		})
	}()

	first := <-snaps
	assert.Equal(t, "0000", first.Bitmap)

	require.NoError(t, os.WriteFile(path, []byte("000011"), 0644))
	for s := range snaps {
		if s.Bitmap == "000011" {
			assert.Equal(t, 2, s.Used)
			break
		}
	}

	cancel()
	assert.ErrorIs(t, <-watchErr, context.Canceled)
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	addr, err := inet.EphemeralLocalAddr()
	require.NoError(t, err)

	sess := session.New(echoCommand(), session.WithSettleInterval(50*time.Millisecond))
	t.Cleanup(func() { sess.Close() })
	gw, err := New(sess, session.NewOneShot(echoCommand()), WithListenAddr(addr))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- gw.Run(runCtx) }()

	client, err := NewClient(log, addr, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, client.WaitForServer(waitCtx))

	resp, err := client.Exec(ctx, []string{"ls"})
	require.NoError(t, err)
	assert.Equal(t, "ls\n", resp.Out)

	cancel()
	require.NoError(t, <-runErr)
}

func TestStopBeforeRun(t *testing.T) {
	gw, err := New(&fakeSession{}, nil)
	require.NoError(t, err)
	assert.NoError(t, gw.Stop())
}
