package putio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/seedbox_relay/internal/logctx"
	"github.com/italolelis/seedbox_relay/internal/progress"
	"github.com/italolelis/seedbox_relay/internal/transfer"
	"github.com/putdotio/go-putio"
	"github.com/zeebo/bencode"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const (
	engineName = "putio"

	maxTorrentSize   = 10 * 1024 * 1024
	progressInterval = 100 * 1024 * 1024
	dirPerm          = 0o755
)

// Client runs transfers on put.io and fetches finished ones into a local directory, so that
// completed jobs expose local artifacts like every other engine.
type Client struct {
	putioClient *putio.Client
	httpClient  *http.Client
	downloadDir string
	maxParallel int

	mu      sync.Mutex
	fetched map[string][]transfer.Artifact
}

func NewClient(token, downloadDir string, maxParallel int) *Client {
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.WithValue(context.Background(), oauth2.HTTPClient, httpClient), tokenSource)

	return newClient(putio.NewClient(oauthClient), httpClient, downloadDir, maxParallel)
}

func newClient(pc *putio.Client, httpClient *http.Client, downloadDir string, maxParallel int) *Client {
	if maxParallel <= 0 {
		maxParallel = 1
	}

	return &Client{
		putioClient: pc,
		httpClient:  httpClient,
		downloadDir: downloadDir,
		maxParallel: maxParallel,
		fetched:     make(map[string][]transfer.Artifact),
	}
}

func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	user, err := c.putioClient.Account.Info(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get account info", "err", err)

		return mapError("account.info", err)
	}

	logger.InfoContext(ctx, "authenticated with put.io", "user", user.Username)

	return nil
}

// Submit adds magnets and plain URLs as transfers. Links that point at a .torrent file are
// fetched, checked to be valid metainfo and uploaded, since put.io only detects torrents by
// upload.
func (c *Client) Submit(ctx context.Context, link transfer.Link) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("link", link.Redacted())

	if link.LooksLikeTorrent() {
		return c.submitTorrentFile(ctx, link)
	}

	t, err := c.putioClient.Transfers.Add(ctx, link.String(), 0, "")
	if err != nil {
		logger.ErrorContext(ctx, "failed to add transfer", "err", err)

		return "", mapSubmitError(link, "transfers.add", err)
	}

	logger.InfoContext(ctx, "transfer added to put.io", "transfer_id", t.ID)

	return strconv.FormatInt(t.ID, 10), nil
}

func (c *Client) submitTorrentFile(ctx context.Context, link transfer.Link) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("link", link.Redacted())

	data, err := c.fetchTorrent(ctx, link)
	if err != nil {
		return "", err
	}

	if err := validateMetainfo(data); err != nil {
		return "", &transfer.InvalidLinkError{Input: link.Redacted(), Reason: err.Error(), Err: err}
	}

	filename := link.Filename()
	if !strings.EqualFold(filepath.Ext(filename), ".torrent") {
		filename += ".torrent"
	}

	upload, err := c.putioClient.Files.Upload(ctx, bytes.NewReader(data), filename, 0)
	if err != nil {
		logger.ErrorContext(ctx, "failed to upload torrent", "err", err)

		return "", mapSubmitError(link, "files.upload", err)
	}

	if upload.Transfer == nil {
		return "", &transfer.InvalidLinkError{Input: link.Redacted(), Reason: "put.io did not create a transfer from the torrent"}
	}

	logger.InfoContext(ctx, "transfer created from torrent upload", "transfer_id", upload.Transfer.ID, "size", humanize.Bytes(uint64(len(data))))

	return strconv.FormatInt(upload.Transfer.ID, 10), nil
}

func (c *Client) fetchTorrent(ctx context.Context, link transfer.Link) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link.String(), nil)
	if err != nil {
		return nil, &transfer.InvalidLinkError{Input: link.Redacted(), Reason: "cannot build request", Err: err}
	}

	resp, err := c.httpClient.Do(req)
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

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTorrentSize+1))
	if err != nil {
		return nil, &transfer.InvalidLinkError{Input: link.Redacted(), Reason: "torrent file could not be read", Err: err}
	}

	if len(data) > maxTorrentSize {
		return nil, &transfer.InvalidLinkError{
			Input:  link.Redacted(),
			Reason: fmt.Sprintf("torrent file exceeds %s", humanize.IBytes(maxTorrentSize)),
		}
	}

	return data, nil
}

// validateMetainfo checks that data is a bencoded dictionary with an info dictionary.
func validateMetainfo(data []byte) error {
	var meta map[string]any
	if err := bencode.DecodeBytes(data, &meta); err != nil {
		return fmt.Errorf("invalid torrent file: %w", err)
	}

	if _, ok := meta["info"].(map[string]any); !ok {
		return errors.New("torrent file has no info dictionary")
	}

	return nil
}

func (c *Client) Query(ctx context.Context, jobID string) (*transfer.JobState, error) {
	id, err := parseID(jobID)
	if err != nil {
		return nil, err
	}

	t, err := c.putioClient.Transfers.Get(ctx, id)
	if err != nil {
		return nil, mapError("transfers.get", err)
	}

	state := &transfer.JobState{
		Name:         t.Name,
		Progress:     float64(t.PercentDone),
		DownloadRate: int64(t.DownloadSpeed),
		ETA:          time.Duration(t.EstimatedTime) * time.Second,
		Message:      t.ErrorMessage,
	}

	switch t.Status {
	case "IN_QUEUE", "WAITING", "PREPARING_DOWNLOAD":
		state.Phase = transfer.PhaseQueued
	case "DOWNLOADING", "COMPLETING":
		state.Phase = transfer.PhaseActive
	case "SEEDING", "COMPLETED":
		return c.complete(ctx, jobID, t, state), nil
	case "ERROR":
		state.Phase = transfer.PhaseError
	default:
		state.Phase = transfer.PhaseQueued
	}

	return state, nil
}

// complete fetches a finished transfer once and reports its local artifacts.
func (c *Client) complete(ctx context.Context, jobID string, t putio.Transfer, state *transfer.JobState) *transfer.JobState {
	state.Progress = 100

	c.mu.Lock()
	artifacts, ok := c.fetched[jobID]
	c.mu.Unlock()

	if !ok {
		var err error

		artifacts, err = c.fetch(ctx, jobID, t.FileID)
		if err != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to fetch transfer files", "transfer_id", t.ID, "err", err)

			state.Phase = transfer.PhaseError
			state.Message = "fetching files from put.io failed"

			return state
		}

		c.mu.Lock()
		c.fetched[jobID] = artifacts
		c.mu.Unlock()
	}

	state.Phase = transfer.PhaseComplete
	state.Artifacts = artifacts

	return state
}

type remoteFile struct {
	ID   int64
	Path string
	Size int64
}

func (c *Client) fetch(ctx context.Context, jobID string, fileID int64) ([]transfer.Artifact, error) {
	if fileID == 0 {
		return nil, nil
	}

	root, err := c.putioClient.Files.Get(ctx, fileID)
	if err != nil {
		return nil, mapError("files.get", err)
	}

	files, err := c.listFiles(ctx, root, "")
	if err != nil {
		return nil, err
	}

	targetDir := filepath.Join(c.downloadDir, jobID)
	artifacts := make([]transfer.Artifact, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxParallel)

	for i, f := range files {
		target := filepath.Join(targetDir, f.Path)
		artifacts[i] = transfer.Artifact{Path: target, Name: filepath.Base(f.Path), Size: f.Size}

		g.Go(func() error {
			return c.downloadFile(gctx, f, target)
		})
	}

	if err := g.Wait(); err != nil {
		// The job ends in error and cleanup gets no artifacts, so partial files go now.
		if rmErr := os.RemoveAll(targetDir); rmErr != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to remove partial download", "dir", targetDir, "err", rmErr)
		}

		return nil, fmt.Errorf("failed to download files: %w", err)
	}

	return artifacts, nil
}

func (c *Client) listFiles(ctx context.Context, file putio.File, basePath string) ([]remoteFile, error) {
	path := filepath.Join(basePath, file.Name)

	if !file.IsDir() {
		return []remoteFile{{ID: file.ID, Path: path, Size: file.Size}}, nil
	}

	children, _, err := c.putioClient.Files.List(ctx, file.ID)
	if err != nil {
		return nil, mapError("files.list", err)
	}

	var result []remoteFile

	for _, child := range children {
		nested, err := c.listFiles(ctx, child, path)
		if err != nil {
			return nil, err
		}

		result = append(result, nested...)
	}

	return result, nil
}

func (c *Client) downloadFile(ctx context.Context, f remoteFile, target string) error {
	logger := logctx.LoggerFromContext(ctx).With("file_id", f.ID, "target", target)

	u, err := c.putioClient.Files.URL(ctx, f.ID, false)
	if err != nil {
		return mapError("files.url", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transfer.UnreachableError{Engine: engineName, Operation: "download", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &transfer.UnreachableError{Engine: engineName, Operation: "download", StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}
	defer out.Close()

	logger.InfoContext(ctx, "downloading file", "size", humanize.Bytes(uint64(f.Size)))

	pr := progress.NewReader(resp.Body, f.Size, progressInterval, func(read, total int64) {
		logger.DebugContext(ctx, "download progress",
			"downloaded", humanize.Bytes(uint64(read)),
			"total", humanize.Bytes(uint64(total)))
	})

	if _, err := io.Copy(out, pr); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}

	return nil
}

// JobDir returns the local directory completed files of the transfer are fetched into.
func (c *Client) JobDir(jobID string) string {
	return filepath.Join(c.downloadDir, filepath.Base(jobID))
}

// Remove cancels the transfer and deletes its remote files. Unknown transfers are ignored.
func (c *Client) Remove(ctx context.Context, jobID string) error {
	c.mu.Lock()
	delete(c.fetched, jobID)
	c.mu.Unlock()

	id, err := parseID(jobID)
	if err != nil {
		return nil
	}

	t, err := c.putioClient.Transfers.Get(ctx, id)
	if err != nil {
		err = mapError("transfers.get", err)
		if errors.Is(err, transfer.ErrJobNotFound) {
			return nil
		}

		return err
	}

	if err := c.putioClient.Transfers.Cancel(ctx, id); err != nil {
		return mapError("transfers.cancel", err)
	}

	if t.FileID != 0 {
		if err := c.putioClient.Files.Delete(ctx, t.FileID); err != nil {
			if err = mapError("files.delete", err); !errors.Is(err, transfer.ErrJobNotFound) {
				return err
			}
		}
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "transfer removed from put.io", "transfer_id", id)

	return nil
}

func parseID(jobID string) (int64, error) {
	id, err := strconv.ParseInt(jobID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed put.io id %q", transfer.ErrJobNotFound, jobID)
	}

	return id, nil
}

// mapError translates go-putio failures into the engine error taxonomy.
func mapError(op string, err error) error {
	var apiErr *putio.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		switch apiErr.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", transfer.ErrJobNotFound, op)
		case http.StatusUnauthorized, http.StatusForbidden:
			return &transfer.AuthenticationError{Engine: engineName, Operation: op, Err: err}
		default:
			return &transfer.UnreachableError{Engine: engineName, Operation: op, StatusCode: apiErr.Response.StatusCode, Err: err}
		}
	}

	return &transfer.UnreachableError{Engine: engineName, Operation: op, Err: err}
}

// mapSubmitError treats client-side rejections of a link as invalid input.
func mapSubmitError(link transfer.Link, op string, err error) error {
	var apiErr *putio.ErrorResponse
	if errors.As(err, &apiErr) && apiErr.Response != nil && apiErr.Response.StatusCode == http.StatusBadRequest {
		return &transfer.InvalidLinkError{Input: link.Redacted(), Reason: apiErr.Message, Err: err}
	}

	return mapError(op, err)
}
