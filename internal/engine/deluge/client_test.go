package deluge_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/seedbox_relay/internal/engine/deluge"
	"github.com/italolelis/seedbox_relay/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     int64             `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeDeluge emulates the web UI: auth.login sets a cookie, every other method requires it.
type fakeDeluge struct {
	t        *testing.T
	password string
	handlers map[string]func(params []json.RawMessage) (any, map[string]any)

	mu    sync.Mutex
	calls []string
}

func newFakeDeluge(t *testing.T) *fakeDeluge {
	t.Helper()

	return &fakeDeluge{
		t:        t,
		password: "secret",
		handlers: map[string]func([]json.RawMessage) (any, map[string]any){
			"web.connected": func([]json.RawMessage) (any, map[string]any) { return true, nil },
		},
	}
}

func (f *fakeDeluge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

	f.mu.Lock()
	f.calls = append(f.calls, req.Method)
	f.mu.Unlock()

	var (
		result any
		rpcErr map[string]any
	)

	switch {
	case req.Method == "auth.login":
		var password string
		require.NoError(f.t, json.Unmarshal(req.Params[0], &password))

		result = password == f.password
		if password == f.password {
			http.SetCookie(w, &http.Cookie{Name: "_session_id", Value: "cookie-1"})
		}
	default:
		if c, err := r.Cookie("_session_id"); err != nil || c.Value != "cookie-1" {
			rpcErr = map[string]any{"message": "Not authenticated", "code": 1}

			break
		}

		h, ok := f.handlers[req.Method]
		if !ok {
			rpcErr = map[string]any{"message": "Unknown method", "code": 2}

			break
		}

		result, rpcErr = h(req.Params)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"id": req.ID, "result": result, "error": rpcErr})
}

func (f *fakeDeluge) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func newClient(t *testing.T, f *fakeDeluge, password string) *deluge.Client {
	t.Helper()

	ts := httptest.NewServer(f)
	t.Cleanup(ts.Close)

	return deluge.NewClient(ts.URL, "/json", password, "/data/downloads", false)
}

func TestNewClient(t *testing.T) {
	client := deluge.NewClient("http://localhost:8112/", "/json", "pass", "/downloads", true)

	assert.Equal(t, "http://localhost:8112", client.BaseURL)
	assert.Equal(t, "/json", client.APIPath)
	assert.Equal(t, "pass", client.Password)
	assert.Equal(t, "/downloads", client.DownloadDir)
}

func TestAuthenticate(t *testing.T) {
	t.Run("wrong password", func(t *testing.T) {
		client := newClient(t, newFakeDeluge(t), "wrong")

		err := client.Authenticate(context.Background())

		var authErr *transfer.AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "deluge", authErr.Engine)
	})

	t.Run("connects to first host when disconnected", func(t *testing.T) {
		f := newFakeDeluge(t)
		f.handlers["web.connected"] = func([]json.RawMessage) (any, map[string]any) { return false, nil }
		f.handlers["web.get_hosts"] = func([]json.RawMessage) (any, map[string]any) {
			return [][]any{{"host-1", "127.0.0.1", 58846, "Online"}}, nil
		}

		var connectedTo string

		f.handlers["web.connect"] = func(params []json.RawMessage) (any, map[string]any) {
			require.NoError(t, json.Unmarshal(params[0], &connectedTo))

			return nil, nil
		}

		client := newClient(t, f, "secret")

		require.NoError(t, client.Authenticate(context.Background()))
		assert.Equal(t, "host-1", connectedTo)
	})
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		name       string
		link       string
		wantMethod string
	}{
		{"magnet", "magnet:?xt=urn:btih:abc&dn=Movie", "core.add_torrent_magnet"},
		{"url", "https://tracker.example/files/movie.torrent", "core.add_torrent_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeDeluge(t)

			var options map[string]any

			f.handlers[tt.wantMethod] = func(params []json.RawMessage) (any, map[string]any) {
				require.Len(t, params, 2)
				require.NoError(t, json.Unmarshal(params[1], &options))

				return "hash123", nil
			}

			client := newClient(t, f, "secret")
			link, err := transfer.ParseLink(tt.link)
			require.NoError(t, err)

			id, err := client.Submit(context.Background(), link)

			require.NoError(t, err)
			assert.Equal(t, "hash123", id)
			assert.Equal(t, "/data/downloads", options["download_location"])
			assert.Equal(t, []string{"auth.login", "web.connected", tt.wantMethod}, f.Calls())
		})
	}
}

func TestSubmit_Rejected(t *testing.T) {
	f := newFakeDeluge(t)
	f.handlers["core.add_torrent_url"] = func([]json.RawMessage) (any, map[string]any) {
		return nil, map[string]any{"message": "AddTorrentError: Unable to fetch torrent", "code": 3}
	}

	client := newClient(t, f, "secret")
	link, err := transfer.ParseLink("https://example.com/page.html")
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), link)

	var invalid *transfer.InvalidLinkError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "Unable to fetch torrent")
}

func TestQuery(t *testing.T) {
	tests := []struct {
		name      string
		status    map[string]any
		wantPhase transfer.Phase
		wantFiles []transfer.Artifact
	}{
		{
			name:      "queued",
			status:    map[string]any{"name": "Movie", "state": "Queued", "progress": 0.0},
			wantPhase: transfer.PhaseQueued,
		},
		{
			name: "downloading",
			status: map[string]any{
				"name": "Movie", "state": "Downloading", "progress": 42.5,
				"download_payload_rate": 1048576.0, "eta": 90.0,
			},
			wantPhase: transfer.PhaseActive,
		},
		{
			name:      "error",
			status:    map[string]any{"name": "Movie", "state": "Error", "progress": 12.0, "message": "disk full"},
			wantPhase: transfer.PhaseError,
		},
		{
			name: "seeding",
			status: map[string]any{
				"name": "Movie", "state": "Seeding", "progress": 100.0, "save_path": "/data/downloads",
				"files": []map[string]any{
					{"index": 0, "path": "Movie/movie.mkv", "size": 1000},
					{"index": 1, "path": "Movie/subs.srt", "size": 10},
				},
			},
			wantPhase: transfer.PhaseComplete,
			wantFiles: []transfer.Artifact{
				{Path: filepath.Join("/data/downloads", "Movie", "movie.mkv"), Name: "movie.mkv", Size: 1000},
				{Path: filepath.Join("/data/downloads", "Movie", "subs.srt"), Name: "subs.srt", Size: 10},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeDeluge(t)
			f.handlers["core.get_torrent_status"] = func([]json.RawMessage) (any, map[string]any) {
				return tt.status, nil
			}

			client := newClient(t, f, "secret")

			state, err := client.Query(context.Background(), "hash123")

			require.NoError(t, err)
			assert.Equal(t, tt.wantPhase, state.Phase)
			assert.Equal(t, "Movie", state.Name)
			assert.Equal(t, tt.wantFiles, state.Artifacts)
		})
	}
}

func TestQuery_Rates(t *testing.T) {
	f := newFakeDeluge(t)
	f.handlers["core.get_torrent_status"] = func([]json.RawMessage) (any, map[string]any) {
		return map[string]any{"name": "Movie", "state": "Downloading", "progress": 42.5, "download_payload_rate": 2048.0, "eta": 90.0}, nil
	}

	client := newClient(t, f, "secret")

	state, err := client.Query(context.Background(), "hash123")

	require.NoError(t, err)
	assert.Equal(t, 42, state.Percent())
	assert.Equal(t, int64(2048), state.DownloadRate)
	assert.Equal(t, 90*time.Second, state.ETA)
}

func TestJobDir(t *testing.T) {
	f := newFakeDeluge(t)
	f.handlers["core.get_torrent_status"] = func([]json.RawMessage) (any, map[string]any) {
		return map[string]any{"name": "Movie", "state": "Downloading", "progress": 10.0, "save_path": "/data/downloads"}, nil
	}
	f.handlers["core.remove_torrent"] = func([]json.RawMessage) (any, map[string]any) { return true, nil }

	client := newClient(t, f, "secret")
	ctx := context.Background()

	assert.Empty(t, client.JobDir("hash123"), "unknown until the first query")

	_, err := client.Query(ctx, "hash123")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data/downloads", "Movie"), client.JobDir("hash123"))

	require.NoError(t, client.Remove(ctx, "hash123"))
	assert.Empty(t, client.JobDir("hash123"))
}

func TestQuery_NotFound(t *testing.T) {
	f := newFakeDeluge(t)
	f.handlers["core.get_torrent_status"] = func([]json.RawMessage) (any, map[string]any) {
		return map[string]any{}, nil
	}

	client := newClient(t, f, "secret")

	_, err := client.Query(context.Background(), "gone")

	assert.ErrorIs(t, err, transfer.ErrJobNotFound)
}

func TestQuery_Unreachable(t *testing.T) {
	t.Run("http error", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}))
		defer ts.Close()

		client := deluge.NewClient(ts.URL, "/json", "secret", "", false)

		_, err := client.Query(context.Background(), "hash123")

		var unreachable *transfer.UnreachableError
		require.ErrorAs(t, err, &unreachable)
		assert.Equal(t, http.StatusBadGateway, unreachable.StatusCode)
		assert.True(t, transfer.IsUnreachable(err))
	})

	t.Run("connection refused", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		ts.Close()

		client := deluge.NewClient(ts.URL, "/json", "secret", "", false)

		_, err := client.Query(context.Background(), "hash123")

		assert.True(t, transfer.IsUnreachable(err))
	})
}

func TestCall_ExpiredSession(t *testing.T) {
	f := newFakeDeluge(t)
	f.handlers["core.get_torrent_status"] = func([]json.RawMessage) (any, map[string]any) {
		return map[string]any{"name": "Movie", "state": "Downloading", "progress": 10.0}, nil
	}

	client := newClient(t, f, "secret")

	_, err := client.Query(context.Background(), "hash123")
	require.NoError(t, err)

	f.password = "rotated"
	f.handlers["core.get_torrent_status"] = func([]json.RawMessage) (any, map[string]any) {
		return nil, map[string]any{"message": "Not authenticated", "code": 1}
	}

	_, err = client.Query(context.Background(), "hash123")

	var authErr *transfer.AuthenticationError
	require.ErrorAs(t, err, &authErr)

	// The cleared session forces a new login, which now fails.
	_, err = client.Query(context.Background(), "hash123")
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "auth.login", authErr.Operation)
}

func TestRemove(t *testing.T) {
	tests := []struct {
		name    string
		result  any
		rpcErr  map[string]any
		wantErr bool
	}{
		{"removed", true, nil, false},
		{"unknown torrent", nil, map[string]any{"message": "InvalidTorrentError: torrent_id gone not in session", "code": 3}, false},
		{"other failure", nil, map[string]any{"message": "boom", "code": 3}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeDeluge(t)

			var removeData bool

			f.handlers["core.remove_torrent"] = func(params []json.RawMessage) (any, map[string]any) {
				require.NoError(t, json.Unmarshal(params[1], &removeData))

				return tt.result, tt.rpcErr
			}

			client := newClient(t, f, "secret")

			err := client.Remove(context.Background(), "hash123")

			if tt.wantErr {
				var rpcErr *deluge.RPCError
				require.ErrorAs(t, err, &rpcErr)
				assert.Equal(t, "core.remove_torrent", rpcErr.Method)

				return
			}

			require.NoError(t, err)
			assert.True(t, removeData)
		})
	}
}
