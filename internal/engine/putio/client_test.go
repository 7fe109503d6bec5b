package putio

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/italolelis/seedbox_relay/internal/transfer"
	putio "github.com/putdotio/go-putio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler, downloadDir string) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	pc := putio.NewClient(nil)
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	pc.BaseURL = u

	return newClient(pc, server.Client(), downloadDir, 2), server
}

func TestValidateMetainfo(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"valid", "d8:announce3:url4:infod4:name3:fooee", false},
		{"missing info", "d8:announce3:urle", true},
		{"info is not a dictionary", "d4:info3:bare", true},
		{"not bencode", "<html>login required</html>", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateMetainfo([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			assert.NoError(t, err)
		})
	}
}

func TestSubmit_Magnet(t *testing.T) {
	var added string

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/transfers/add", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		added = r.PostForm.Get("url")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"transfer":{"id":7,"name":"Movie","status":"IN_QUEUE"}}`)
	})

	client, _ := newTestClient(t, mux, t.TempDir())
	link, err := transfer.ParseLink("magnet:?xt=urn:btih:abc&dn=Movie")
	require.NoError(t, err)

	id, err := client.Submit(context.Background(), link)

	require.NoError(t, err)
	assert.Equal(t, "7", id)
	assert.Equal(t, link.String(), added)
}

func TestSubmit_InvalidTorrentFile(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "not a torrent",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, "<html>login required</html>")
			},
		},
		{
			name: "missing",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.NotFound(w, nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/files/movie.torrent", tt.handler)

			client, server := newTestClient(t, mux, t.TempDir())
			link, err := transfer.ParseLink(server.URL + "/files/movie.torrent")
			require.NoError(t, err)

			_, err = client.Submit(context.Background(), link)

			var invalid *transfer.InvalidLinkError
			require.ErrorAs(t, err, &invalid)
		})
	}
}

func TestQuery_Phases(t *testing.T) {
	tests := []struct {
		status    string
		wantPhase transfer.Phase
	}{
		{"IN_QUEUE", transfer.PhaseQueued},
		{"WAITING", transfer.PhaseQueued},
		{"PREPARING_DOWNLOAD", transfer.PhaseQueued},
		{"DOWNLOADING", transfer.PhaseActive},
		{"COMPLETING", transfer.PhaseActive},
		{"ERROR", transfer.PhaseError},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/v2/transfers/42", func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprintf(w, `{"transfer":{"id":42,"name":"Movie","status":%q,"percent_done":37,"down_speed":2048,"estimated_time":60,"error_message":"tracker down"}}`, tt.status)
			})

			client, _ := newTestClient(t, mux, t.TempDir())

			state, err := client.Query(context.Background(), "42")

			require.NoError(t, err)
			assert.Equal(t, tt.wantPhase, state.Phase)
			assert.Equal(t, "Movie", state.Name)
			assert.Equal(t, 37, state.Percent())
			assert.Equal(t, int64(2048), state.DownloadRate)
			assert.Equal(t, "tracker down", state.Message)
		})
	}
}

func TestQuery_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "not found",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, transfer.ErrJobNotFound)
			},
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var authErr *transfer.AuthenticationError
				assert.ErrorAs(t, err, &authErr)
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			check: func(t *testing.T, err error) {
				assert.True(t, transfer.IsUnreachable(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/v2/transfers/42", func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error_type":"ERROR","error_message":"nope"}`)
			})

			client, _ := newTestClient(t, mux, t.TempDir())

			_, err := client.Query(context.Background(), "42")

			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestQuery_MalformedID(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler(), t.TempDir())

	_, err := client.Query(context.Background(), "not-a-number")

	assert.ErrorIs(t, err, transfer.ErrJobNotFound)
}

func completedTransferMux(t *testing.T, contentHits *atomic.Int32) *http.ServeMux {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/transfers/42", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"transfer":{"id":42,"name":"Movie","status":"COMPLETED","percent_done":100,"file_id":100}}`)
	})
	mux.HandleFunc("/content/", func(w http.ResponseWriter, r *http.Request) {
		contentHits.Add(1)
		fmt.Fprint(w, "content of "+strings.TrimPrefix(r.URL.Path, "/content/"))
	})
	mux.HandleFunc("/v2/files/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		rest := strings.TrimPrefix(r.URL.Path, "/v2/files/")

		switch {
		case rest == "list":
			switch r.URL.Query().Get("parent_id") {
			case "100":
				fmt.Fprint(w, `{"files":[
					{"id":101,"name":"movie.mkv","size":17,"file_type":"VIDEO","content_type":"video/x-matroska"},
					{"id":102,"name":"Subs","size":0,"file_type":"FOLDER","content_type":"application/x-directory"}
				],"parent":{"id":100,"name":"Movie","file_type":"FOLDER","content_type":"application/x-directory"}}`)
			case "102":
				fmt.Fprint(w, `{"files":[
					{"id":103,"name":"en.srt","size":14,"file_type":"TEXT","content_type":"text/plain"}
				],"parent":{"id":102,"name":"Subs","file_type":"FOLDER","content_type":"application/x-directory"}}`)
			default:
				http.NotFound(w, r)
			}
		case rest == "100":
			fmt.Fprint(w, `{"file":{"id":100,"name":"Movie","size":31,"file_type":"FOLDER","content_type":"application/x-directory"}}`)
		case strings.HasSuffix(rest, "/url"):
			id := strings.TrimSuffix(rest, "/url")
			fmt.Fprintf(w, `{"url":%q}`, "http://"+r.Host+"/content/"+id)
		default:
			http.NotFound(w, r)
		}
	})

	return mux
}

func TestQuery_CompletedFetchesFiles(t *testing.T) {
	var contentHits atomic.Int32

	dir := t.TempDir()
	client, _ := newTestClient(t, completedTransferMux(t, &contentHits), dir)

	state, err := client.Query(context.Background(), "42")

	require.NoError(t, err)
	assert.Equal(t, transfer.PhaseComplete, state.Phase)
	assert.Equal(t, 100, state.Percent())
	assert.Equal(t, []transfer.Artifact{
		{Path: filepath.Join(dir, "42", "Movie", "movie.mkv"), Name: "movie.mkv", Size: 17},
		{Path: filepath.Join(dir, "42", "Movie", "Subs", "en.srt"), Name: "en.srt", Size: 14},
	}, state.Artifacts)

	got, err := os.ReadFile(filepath.Join(dir, "42", "Movie", "Subs", "en.srt"))
	require.NoError(t, err)
	assert.Equal(t, "content of 103", string(got))

	// A second observation reuses the fetched files.
	state, err = client.Query(context.Background(), "42")
	require.NoError(t, err)
	assert.Len(t, state.Artifacts, 2)
	assert.Equal(t, int32(2), contentHits.Load())
}

func TestQuery_CompletedFetchFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/transfers/42", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"transfer":{"id":42,"name":"Movie","status":"SEEDING","percent_done":100,"file_id":100}}`)
	})
	mux.HandleFunc("/v2/files/100", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error_type":"ERROR","error_message":"boom"}`)
	})

	client, _ := newTestClient(t, mux, t.TempDir())

	state, err := client.Query(context.Background(), "42")

	require.NoError(t, err)
	assert.Equal(t, transfer.PhaseError, state.Phase)
	assert.Empty(t, state.Artifacts)
}

func TestQuery_PartialFetchIsDiscarded(t *testing.T) {
	var contentHits atomic.Int32

	files := completedTransferMux(t, &contentHits)
	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/content/103" {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		files.ServeHTTP(w, r)
	})

	dir := t.TempDir()
	client, _ := newTestClient(t, failing, dir)

	state, err := client.Query(context.Background(), "42")

	require.NoError(t, err)
	assert.Equal(t, transfer.PhaseError, state.Phase)
	assert.NoDirExists(t, filepath.Join(dir, "42"), "files fetched before the failure must not be left behind")
}

func TestJobDir(t *testing.T) {
	dir := t.TempDir()
	client, _ := newTestClient(t, http.NotFoundHandler(), dir)

	assert.Equal(t, filepath.Join(dir, "42"), client.JobDir("42"))
}

func TestRemove(t *testing.T) {
	t.Run("cancels and deletes files", func(t *testing.T) {
		var cancelled, deleted atomic.Bool

		mux := http.NewServeMux()
		mux.HandleFunc("/v2/transfers/42", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"transfer":{"id":42,"name":"Movie","status":"COMPLETED","file_id":100}}`)
		})
		mux.HandleFunc("/v2/transfers/cancel", func(w http.ResponseWriter, _ *http.Request) {
			cancelled.Store(true)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"status":"OK"}`)
		})
		mux.HandleFunc("/v2/files/delete", func(w http.ResponseWriter, _ *http.Request) {
			deleted.Store(true)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"status":"OK"}`)
		})

		client, _ := newTestClient(t, mux, t.TempDir())

		require.NoError(t, client.Remove(context.Background(), "42"))
		assert.True(t, cancelled.Load())
		assert.True(t, deleted.Load())
	})

	t.Run("unknown transfer", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/v2/transfers/42", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error_type":"NOT_FOUND","error_message":"not found"}`)
		})

		client, _ := newTestClient(t, mux, t.TempDir())

		assert.NoError(t, client.Remove(context.Background(), "42"))
	})
}
