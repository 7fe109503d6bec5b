package embedded

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/italolelis/seedbox_relay/internal/logctx"
	"github.com/italolelis/seedbox_relay/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	maxTorrentSize = 10 * 1024 * 1024

	// minBurst keeps the limiter able to grant a whole chunk request.
	minBurst = 1 << 16
)

// Config configures the in-process BitTorrent client.
type Config struct {
	DataDir           string
	ListenPort        int
	DownloadRateLimit int64 // bytes per second, 0 means unlimited
	NoDHT             bool
	DisableTrackers   bool
}

type job struct {
	t          *torrent.Torrent
	lastBytes  int64
	lastSample time.Time
}

// Engine downloads torrents in-process into DataDir.
type Engine struct {
	client     *torrent.Client
	storage    storage.ClientImplCloser
	dataDir    string
	httpClient *http.Client

	mu   sync.Mutex
	jobs map[string]*job
}

func New(cfg Config) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = cfg.DataDir
	// One directory per info hash keeps torrents with the same name apart.
	store := storage.NewFileByInfoHash(cfg.DataDir)
	clientConfig.DefaultStorage = store
	clientConfig.ListenPort = cfg.ListenPort
	clientConfig.NoDHT = cfg.NoDHT
	clientConfig.DisableTrackers = cfg.DisableTrackers
	clientConfig.Seed = false

	if limiter := downloadLimiter(cfg.DownloadRateLimit); limiter != nil {
		clientConfig.DownloadRateLimiter = limiter
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		_ = store.Close()

		return nil, fmt.Errorf("failed to create torrent client: %w", err)
	}

	return &Engine{
		client:     client,
		storage:    store,
		dataDir:    cfg.DataDir,
		httpClient: &http.Client{Timeout: 30 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		jobs:       make(map[string]*job),
	}, nil
}

// downloadLimiter returns nil for an unlimited rate.
func downloadLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	return rate.NewLimiter(rate.Limit(bytesPerSecond), max(int(bytesPerSecond), minBurst))
}

// Submit adds the torrent and starts downloading it. A torrent can back one job at a time:
// submitting an info hash that is already running returns ErrJobExists.
func (e *Engine) Submit(ctx context.Context, link transfer.Link) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("link", link.Redacted())

	var (
		spec *torrent.TorrentSpec
		err  error
	)

	if link.IsMagnet() {
		spec, err = torrent.TorrentSpecFromMagnetUri(link.String())
		if err != nil {
			return "", &transfer.InvalidLinkError{Input: link.Redacted(), Reason: "malformed magnet link", Err: err}
		}
	} else {
		mi, err := e.fetchMetainfo(ctx, link)
		if err != nil {
			return "", err
		}

		spec, err = torrent.TorrentSpecFromMetaInfoErr(mi)
		if err != nil {
			return "", &transfer.InvalidLinkError{Input: link.Redacted(), Reason: "torrent file has no valid info dictionary", Err: err}
		}
	}

	id := spec.InfoHash.HexString()

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.jobs[id]; ok {
		return "", transfer.ErrJobExists
	}

	t, _, err := e.client.AddTorrentSpec(spec)
	if err != nil {
		return "", fmt.Errorf("failed to add torrent: %w", err)
	}

	e.jobs[id] = &job{t: t, lastSample: time.Now()}

	go func() {
		select {
		case <-t.GotInfo():
			t.DownloadAll()
		case <-t.Closed():
		}
	}()

	logger.InfoContext(ctx, "torrent added", "info_hash", id)

	return id, nil
}

func (e *Engine) fetchMetainfo(ctx context.Context, link transfer.Link) (*metainfo.MetaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link.String(), nil)
	if err != nil {
		return nil, &transfer.InvalidLinkError{Input: link.Redacted(), Reason: "cannot build request", Err: err}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &transfer.InvalidLinkError{Input: link.Redacted(), Reason: "torrent file could not be fetched", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &transfer.InvalidLinkError{
			Input:  link.Redacted(),
			Reason: fmt.Sprintf("torrent file could not be fetched: %s", resp.Status),
		}
	}

	mi, err := metainfo.Load(io.LimitReader(resp.Body, maxTorrentSize))
	if err != nil {
		return nil, &transfer.InvalidLinkError{Input: link.Redacted(), Reason: "not a torrent file", Err: err}
	}

	if _, err := mi.UnmarshalInfo(); err != nil {
		return nil, &transfer.InvalidLinkError{Input: link.Redacted(), Reason: "torrent file has no valid info dictionary", Err: err}
	}

	return mi, nil
}

func (e *Engine) Query(_ context.Context, jobID string) (*transfer.JobState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[jobID]
	if !ok {
		return nil, transfer.ErrJobNotFound
	}

	select {
	case <-j.t.Closed():
		delete(e.jobs, jobID)

		return nil, transfer.ErrJobNotFound
	case <-j.t.GotInfo():
	default:
		return &transfer.JobState{Phase: transfer.PhaseQueued, Name: j.t.Name()}, nil
	}

	now := time.Now()
	stats := j.t.Stats()
	read := stats.BytesReadUsefulData.Int64()
	speed := sampleRate(read-j.lastBytes, now.Sub(j.lastSample))
	j.lastBytes, j.lastSample = read, now

	state := progressState(j.t.Length(), j.t.BytesCompleted(), speed)
	state.Name = j.t.Name()

	if state.Phase == transfer.PhaseComplete {
		for _, f := range j.t.Files() {
			state.Artifacts = append(state.Artifacts, transfer.Artifact{
				Path: filepath.Join(e.jobDir(jobID), filepath.FromSlash(f.Path())),
				Name: filepath.Base(f.DisplayPath()),
				Size: f.Length(),
			})
		}
	}

	return state, nil
}

func sampleRate(delta int64, elapsed time.Duration) int64 {
	if delta <= 0 || elapsed <= 0 {
		return 0
	}

	return int64(float64(delta) / elapsed.Seconds())
}

// progressState derives the phase, percentage and ETA from byte counters.
func progressState(total, completed, rate int64) *transfer.JobState {
	state := &transfer.JobState{Phase: transfer.PhaseActive, DownloadRate: rate}

	if total <= 0 {
		return state
	}

	if completed >= total {
		state.Phase = transfer.PhaseComplete
		state.Progress = 100

		return state
	}

	state.Progress = float64(completed) * 100 / float64(total)

	if rate > 0 {
		state.ETA = time.Duration((total-completed)/rate) * time.Second
	}

	return state
}

// Remove drops the torrent and deletes any data it wrote. Unknown jobs are ignored.
func (e *Engine) Remove(ctx context.Context, jobID string) error {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	delete(e.jobs, jobID)
	e.mu.Unlock()

	if !ok {
		return nil
	}

	j.t.Drop()

	if err := os.RemoveAll(e.jobDir(jobID)); err != nil {
		return fmt.Errorf("failed to remove torrent data: %w", err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "torrent removed", "info_hash", jobID)

	return nil
}

// JobDir returns the directory holding the job's data.
func (e *Engine) JobDir(jobID string) string {
	return e.jobDir(jobID)
}

func (e *Engine) jobDir(jobID string) string {
	return filepath.Join(e.dataDir, filepath.Base(jobID))
}

// Close stops the client and every torrent it runs.
func (e *Engine) Close() error {
	return errors.Join(append(e.client.Close(), e.storage.Close())...)
}
