package fetch

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

//go:generate mockgen -destination=mocks/mock_fetcher.go -package=mocks github.com/mattjoyce/profiled/internal/fetch Fetcher

// Fetcher materializes profile content from a source locator into the
// destination file and base directory. On failure the caller deletes any
// partial output; implementations need not clean up.
type Fetcher interface {
	Materialize(ctx context.Context, source, destFile, destBaseDir string) (checksum string, err error)
}

// Options tune an HTTPFetcher.
type Options struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
}

// HTTPFetcher downloads http(s) sources and copies file:// or plain-path
// sources. The blake3 checksum of the materialized profile file is returned
// on success.
type HTTPFetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
	logger    *slog.Logger
}

// NewHTTPFetcher creates a fetcher with the given options. Zero option
// fields fall back to conservative defaults.
func NewHTTPFetcher(opts Options, logger *slog.Logger) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 32 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "profiled"
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: opts.Timeout},
		maxBytes:  opts.MaxBytes,
		userAgent: opts.UserAgent,
		logger:    logger,
	}
}

// ValidateSource checks that a source locator is non-empty and well-formed.
// Accepted forms: http(s) URLs, file:// URLs, and local filesystem paths.
func ValidateSource(source string) error {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return fmt.Errorf("source locator is empty")
	}

	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return fmt.Errorf("unparseable source locator %q: %w", source, err)
		}
		switch u.Scheme {
		case "http", "https":
			if u.Host == "" {
				return fmt.Errorf("source locator %q has no host", source)
			}
		case "file":
			if u.Path == "" {
				return fmt.Errorf("source locator %q has no path", source)
			}
		default:
			return fmt.Errorf("unsupported source scheme %q", u.Scheme)
		}
	}
	return nil
}

// Materialize fetches source into destFile, creating parent directories as
// needed. destBaseDir is created for auxiliary assets.
func (f *HTTPFetcher) Materialize(ctx context.Context, source, destFile, destBaseDir string) (string, error) {
	if err := ValidateSource(source); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(destFile), 0o755); err != nil {
		return "", fmt.Errorf("create destination parent: %w", err)
	}
	if destBaseDir != "" {
		if err := os.MkdirAll(destBaseDir, 0o755); err != nil {
			return "", fmt.Errorf("create destination base directory: %w", err)
		}
	}

	body, err := f.open(ctx, source)
	if err != nil {
		return "", err
	}
	defer body.Close()

	out, err := os.Create(destFile)
	if err != nil {
		return "", fmt.Errorf("create destination file: %w", err)
	}

	hasher := blake3.New()
	limited := io.LimitReader(body, f.maxBytes+1)
	n, err := io.Copy(io.MultiWriter(out, hasher), limited)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write destination file: %w", err)
	}
	if n > f.maxBytes {
		return "", fmt.Errorf("source exceeds size limit of %d bytes", f.maxBytes)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if f.logger != nil {
		f.logger.Debug("materialized profile content", "source", source, "bytes", n, "checksum", sum)
	}
	return sum, nil
}

func (f *HTTPFetcher) open(ctx context.Context, source string) (io.ReadCloser, error) {
	trimmed := strings.TrimSpace(source)

	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, trimmed, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", f.userAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %q: %w", trimmed, err)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("fetch %q: unexpected status %s", trimmed, resp.Status)
		}
		return resp.Body, nil
	}

	localPath := strings.TrimPrefix(trimmed, "file://")
	in, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("open local source %q: %w", localPath, err)
	}
	return in, nil
}
