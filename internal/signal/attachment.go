package signal

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"signalgw/internal/metrics"
)

const (
	// DefaultMaxAttachmentSize caps attachment bytes, local or downloaded.
	DefaultMaxAttachmentSize = 50 * 1024 * 1024
	// downloadChunkSize is the read granularity for URL downloads. The
	// running byte counter is checked after every chunk, so memory use is
	// bounded near the cap even when the server lies about Content-Length.
	downloadChunkSize = 1024
	// downloadTimeout bounds one URL download.
	downloadTimeout = 30 * time.Second
)

// Source is one attachment input that resolves to a base64 blob.
type Source interface {
	Resolve(ctx context.Context) (string, error)
}

// LocalFile is an attachment read from local disk. Paths may carry a
// file:// prefix.
type LocalFile struct {
	Path    string
	MaxSize int64
	Logger  *slog.Logger
}

// Resolve validates the file and returns its contents base64-encoded.
// Validation failures carry distinct sentinel errors; the size cap is
// enforced from filesystem metadata before any bytes are read.
func (f LocalFile) Resolve(_ context.Context) (string, error) {
	path := strings.TrimPrefix(f.Path, "file://")

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrAttachmentNotFound, path)
		}
		if os.IsPermission(err) {
			return "", fmt.Errorf("%w: %s", ErrAttachmentNotReadable, path)
		}
		return "", fmt.Errorf("stat attachment %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrAttachmentNotFile, path)
	}
	if info.Size() > f.MaxSize {
		return "", fmt.Errorf("%w: %s (%d bytes, max %d)", ErrAttachmentTooLarge, path, info.Size(), f.MaxSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return "", fmt.Errorf("%w: %s", ErrAttachmentNotReadable, path)
		}
		return "", fmt.Errorf("read attachment %s: %w", path, err)
	}

	metrics.AttachmentBytes.Add(int64(len(data)))
	blob := base64.StdEncoding.EncodeToString(data)
	f.Logger.Debug("encoded attachment",
		"path", path,
		"bytes", len(data),
		"base64_chars", len(blob),
	)
	return blob, nil
}

// RemoteURL is an attachment downloaded over HTTP. The body is streamed in
// fixed-size chunks so an oversized response is cut off as soon as the cap
// is crossed, with the partial data discarded.
type RemoteURL struct {
	URL     string
	MaxSize int64
	Client  *http.Client
	Logger  *slog.Logger
}

// Resolve downloads the URL and returns the bytes base64-encoded. A
// Content-Length beyond the cap is rejected before any bytes are streamed.
func (r RemoteURL) Resolve(ctx context.Context) (string, error) {
	r.Logger.Debug("downloading attachment", "url", r.URL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", r.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("download %s: unexpected status %d", r.URL, resp.StatusCode)
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		size, err := strconv.ParseInt(cl, 10, 64)
		if err == nil && size > r.MaxSize {
			return "", fmt.Errorf("%w: %s (Content-Length %d, max %d)", ErrAttachmentTooLarge, r.URL, size, r.MaxSize)
		}
	}

	data, err := r.readBounded(resp.Body)
	if err != nil {
		return "", err
	}

	metrics.AttachmentBytes.Add(int64(len(data)))
	blob := base64.StdEncoding.EncodeToString(data)
	r.Logger.Debug("downloaded and encoded attachment",
		"url", r.URL,
		"bytes", len(data),
		"base64_chars", len(blob),
	)
	return blob, nil
}

func (r RemoteURL) readBounded(body io.Reader) ([]byte, error) {
	var data []byte
	var total int64
	buf := make([]byte, downloadChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > r.MaxSize {
				return nil, fmt.Errorf("%w: %s (downloaded %d bytes, max %d)", ErrAttachmentTooLarge, r.URL, total, r.MaxSize)
			}
			data = append(data, buf[:n]...)
		}
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", r.URL, err)
		}
	}
}

// Pipeline resolves attachment sources for one send call: local paths first,
// then URL downloads, each group in caller order. Any failure aborts the
// whole phase; partial attachment sets are never produced.
type Pipeline struct {
	maxSize  int64
	client   *http.Client
	insecure *http.Client
	logger   *slog.Logger
}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	MaxSize int64        // 0 means DefaultMaxAttachmentSize
	Client  *http.Client // optional; used for verified downloads
	Logger  *slog.Logger
}

// NewPipeline creates an attachment pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxAttachmentSize
	}
	client := cfg.Client
	if client == nil {
		client = SharedHTTPClient(downloadTimeout)
	}
	return &Pipeline{
		maxSize:  maxSize,
		client:   client,
		insecure: InsecureHTTPClient(downloadTimeout),
		logger:   cfg.Logger,
	}
}

// Resolve encodes paths and downloads urls into one ordered blob list.
// When verifySSL is false, downloads skip TLS certificate checks. A nil
// result means no attachments were requested, letting callers omit the
// field on the wire entirely.
func (p *Pipeline) Resolve(ctx context.Context, paths, urls []string, verifySSL bool) ([]string, error) {
	sources := make([]Source, 0, len(paths)+len(urls))
	for _, path := range paths {
		sources = append(sources, LocalFile{Path: path, MaxSize: p.maxSize, Logger: p.logger})
	}
	client := p.client
	if !verifySSL {
		client = p.insecure
	}
	for _, url := range urls {
		sources = append(sources, RemoteURL{URL: url, MaxSize: p.maxSize, Client: client, Logger: p.logger})
	}

	if len(sources) == 0 {
		return nil, nil
	}

	blobs := make([]string, 0, len(sources))
	for _, src := range sources {
		blob, err := src.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, blob)
	}
	return blobs, nil
}
