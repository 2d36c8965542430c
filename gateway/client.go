package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jvmadarshkumar/fs-recovery-optimization-tool/dashboard"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// readLimit bounds a single disk map snapshot message.
const readLimit = 1 << 20

type Client struct {
	Logger *zap.SugaredLogger
	// HTTPClient retries failed requests. It is only used for idempotent requests.
	HTTPClient *http.Client

	// execClient never retries, a retried exec would write its commands to the tool twice.
	execClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("gateway_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the gateway at addr, which is either a URL or a host:port.
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported gateway URL scheme %q", u.Scheme)
	}

	c := &Client{
		Logger:       log.Named("gateway_client"),
		baseURL:      strings.TrimSuffix(u.String(), "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.execClient = &http.Client{Transport: &http.Transport{}}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = c.execClient
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()

	return c, nil
}

func errorBody(resp *http.Response) string {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading body: %w", err).Error()
	}
	return string(b)
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("non-200 HTTP status code %d received from %s: %s", resp.StatusCode, path, errorBody(resp))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var resp HeartbeatResponse
	return c.getJSON(ctx, "/heartbeat", &resp)
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// Exec runs the commands in the gateway's persistent session.
func (c *Client) Exec(ctx context.Context, commands []string) (*ExecResponse, error) {
	return c.exec(ctx, "/api/exec", commands)
}

// ExecOnce runs the commands in a fresh child.
func (c *Client) ExecOnce(ctx context.Context, commands []string) (*ExecResponse, error) {
	return c.exec(ctx, "/api/exec/once", commands)
}

func (c *Client) exec(ctx context.Context, path string, commands []string) (*ExecResponse, error) {
	if commands == nil {
		commands = []string{}
	}
	b, err := json.Marshal(ExecRequest{Commands: commands})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.execClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("non-200 HTTP status code %d received from %s: %s", resp.StatusCode, path, errorBody(resp))
	}
	var execResp ExecResponse
	err = json.NewDecoder(resp.Body).Decode(&execResp)
	if err != nil {
		return nil, fmt.Errorf("decoding exec response: %w", err)
	}
	c.Logger.Debugw("exec done", "Path", path, "OK", execResp.OK, "RequestID", resp.Header.Get(requestIDHeader))
	return &execResp, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var st StatusResponse
	err := c.getJSON(ctx, "/api/status", &st)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) DiskMap(ctx context.Context) (*dashboard.Snapshot, error) {
	var snap dashboard.Snapshot
	err := c.getJSON(ctx, "/api/diskmap", &snap)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// WatchDiskMap calls fn for every snapshot pushed by the gateway until ctx is done or the gateway closes the stream.
func (c *Client) WatchDiskMap(ctx context.Context, fn func(dashboard.Snapshot)) error {
	u := c.baseURL + "/api/diskmap/ws"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.execClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(readLimit)
	defer wsConn.Close(websocket.StatusNormalClosure, "")

	for {
		var snap dashboard.Snapshot
		err := wsjson.Read(ctx, wsConn, &snap)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading disk map snapshot: %w", err)
		}
		fn(snap)
	}
}
