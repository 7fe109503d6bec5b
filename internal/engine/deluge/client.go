package deluge

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/seedbox_relay/internal/logctx"
	"github.com/italolelis/seedbox_relay/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	engineName = "deluge"

	// errCodeNotAuthenticated is what the web UI returns once the session cookie expired.
	errCodeNotAuthenticated = 1
)

var statusKeys = []string{"name", "state", "progress", "download_payload_rate", "eta", "save_path", "files", "message"}

// RPCError is an error object returned by the Deluge Web JSON-RPC API.
type RPCError struct {
	Method  string
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("deluge %s error (code %d): %s", e.Method, e.Code, e.Message)
}

// Client drives a Deluge daemon through its Web UI JSON-RPC endpoint.
type Client struct {
	BaseURL     string
	APIPath     string
	Password    string
	DownloadDir string // passed as download_location so files land where the relay can read them
	httpClient  *http.Client

	mu     sync.Mutex
	cookie string
	dirs   map[string]string
	nextID atomic.Int64
}

func NewClient(baseURL, apiPath, password, downloadDir string, insecure bool) *Client {
	var base http.RoundTripper = http.DefaultTransport
	if insecure {
		base = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in for self-signed seedboxes
		}
	}

	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIPath:     apiPath,
		Password:    password,
		DownloadDir: downloadDir,
		httpClient:  &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(base)},
	}
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	ID     int64           `json:"id"`
}

// Authenticate logs in and makes sure the web UI is connected to a daemon.
func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("method", "auth.login")

	var ok bool
	if err := c.rpc(ctx, "auth.login", []any{c.Password}, &ok); err != nil {
		logger.Error("login request failed", "err", err)

		return err
	}

	if !ok {
		logger.Error("login rejected")

		return &transfer.AuthenticationError{Engine: engineName, Operation: "auth.login"}
	}

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	logger.Debug("authenticated")

	return nil
}

func (c *Client) ensureConnected(ctx context.Context) error {
	var connected bool
	if err := c.rpc(ctx, "web.connected", []any{}, &connected); err != nil {
		return err
	}

	if connected {
		return nil
	}

	var hosts [][]any
	if err := c.rpc(ctx, "web.get_hosts", []any{}, &hosts); err != nil {
		return err
	}

	if len(hosts) == 0 || len(hosts[0]) == 0 {
		return &transfer.UnreachableError{Engine: engineName, Operation: "web.connect", Err: errors.New("no daemon configured in the web UI")}
	}

	return c.rpc(ctx, "web.connect", []any{hosts[0][0]}, nil)
}

func (c *Client) Submit(ctx context.Context, link transfer.Link) (string, error) {
	options := map[string]any{}
	if c.DownloadDir != "" {
		options["download_location"] = c.DownloadDir
	}

	method := "core.add_torrent_url"
	if link.IsMagnet() {
		method = "core.add_torrent_magnet"
	}

	var id *string

	err := c.call(ctx, method, []any{link.String(), options}, &id)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code != errCodeNotAuthenticated {
			return "", &transfer.InvalidLinkError{Input: link.Redacted(), Reason: rpcErr.Message, Err: err}
		}

		return "", err
	}

	if id == nil || *id == "" {
		return "", &transfer.InvalidLinkError{Input: link.Redacted(), Reason: "deluge did not accept the torrent"}
	}

	return *id, nil
}

type torrentStatus struct {
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	Rate     float64 `json:"download_payload_rate"`
	ETA      float64 `json:"eta"`
	SavePath string  `json:"save_path"`
	Message  string  `json:"message"`
	Files    []struct {
		Path string `json:"path"`
		Size int64  `json:"size"`
	} `json:"files"`
}

func (c *Client) Query(ctx context.Context, jobID string) (*transfer.JobState, error) {
	var raw map[string]json.RawMessage
	if err := c.call(ctx, "core.get_torrent_status", []any{jobID, statusKeys}, &raw); err != nil {
		return nil, err
	}

	// Deluge answers unknown ids with an empty status instead of an error.
	if len(raw) == 0 {
		return nil, transfer.ErrJobNotFound
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode torrent status: %w", err)
	}

	var status torrentStatus
	if err := json.Unmarshal(encoded, &status); err != nil {
		return nil, fmt.Errorf("failed to decode torrent status: %w", err)
	}

	if status.SavePath != "" && status.Name != "" {
		c.mu.Lock()
		if c.dirs == nil {
			c.dirs = make(map[string]string)
		}
		c.dirs[jobID] = filepath.Join(status.SavePath, filepath.Base(status.Name))
		c.mu.Unlock()
	}

	return status.toJobState(), nil
}

// JobDir returns where the torrent's data lives, or "" until a query has reported it.
func (c *Client) JobDir(jobID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dirs[jobID]
}

func (s *torrentStatus) toJobState() *transfer.JobState {
	state := &transfer.JobState{
		Name:         s.Name,
		Progress:     s.Progress,
		DownloadRate: int64(s.Rate),
		ETA:          time.Duration(s.ETA) * time.Second,
		Message:      s.Message,
	}

	switch {
	case s.State == "Error":
		state.Phase = transfer.PhaseError
	case s.State == "Seeding" || s.Progress >= 100:
		state.Phase = transfer.PhaseComplete
		state.Progress = 100

		for _, f := range s.Files {
			state.Artifacts = append(state.Artifacts, transfer.Artifact{
				Path: filepath.Join(s.SavePath, filepath.FromSlash(f.Path)),
				Name: filepath.Base(f.Path),
				Size: f.Size,
			})
		}
	case s.Progress > 0 || s.State == "Downloading":
		state.Phase = transfer.PhaseActive
	default:
		state.Phase = transfer.PhaseQueued
	}

	return state
}

// Remove deletes the torrent and its data. Unknown torrents are ignored.
func (c *Client) Remove(ctx context.Context, jobID string) error {
	c.mu.Lock()
	delete(c.dirs, jobID)
	c.mu.Unlock()

	var removed bool

	err := c.call(ctx, "core.remove_torrent", []any{jobID, true}, &removed)

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && strings.Contains(rpcErr.Message, "InvalidTorrentError") {
		return nil
	}

	return err
}

// call performs an authenticated request, logging in first when there is no session.
func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	c.mu.Lock()
	authenticated := c.cookie != ""
	c.mu.Unlock()

	if !authenticated {
		if err := c.Authenticate(ctx); err != nil {
			return err
		}
	}

	err := c.rpc(ctx, method, params, result)

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == errCodeNotAuthenticated {
		c.mu.Lock()
		c.cookie = ""
		c.mu.Unlock()

		return &transfer.AuthenticationError{Engine: engineName, Operation: method, Err: err}
	}

	return err
}

func (c *Client) rpc(ctx context.Context, method string, params []any, result any) error {
	logger := logctx.LoggerFromContext(ctx).With("method", method)

	body, err := json.Marshal(map[string]any{
		"id":     c.nextID.Add(1),
		"method": method,
		"params": params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+c.APIPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}

	req.Header.Set("Content-Type", "application/json")

	c.mu.Lock()
	if c.cookie != "" {
		req.AddCookie(&http.Cookie{Name: "_session_id", Value: c.cookie})
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("request to deluge failed", "err", err)

		return &transfer.UnreachableError{Engine: engineName, Operation: method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		logger.Error("non-200 response", "status", resp.StatusCode, "body", string(b))

		return &transfer.UnreachableError{
			Engine:     engineName,
			Operation:  method,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(b))),
		}
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "_session_id" {
			c.mu.Lock()
			c.cookie = cookie.Value
			c.mu.Unlock()
		}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &transfer.UnreachableError{Engine: engineName, Operation: method, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if rpcResp.Error != nil {
		rpcResp.Error.Method = method

		return rpcResp.Error
	}

	if result == nil || len(rpcResp.Result) == 0 {
		return nil
	}

	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}

	return nil
}
