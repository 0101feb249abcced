// Package hub downloads model repository files from a HuggingFace-compatible
// registry and keeps them in a local cache directory.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/nulzo/image-captioner/internal/httpclient"
)

const defaultTimeout = 60 * time.Second

var (
	// ErrNotFound is returned when the registry has no such file.
	ErrNotFound = errors.New("artifact not found")
	// ErrNotCached is returned in offline mode for files missing from the cache.
	ErrNotCached = errors.New("artifact not cached")
)

type Config struct {
	BaseURL  string
	Token    string
	CacheDir string
	Offline  bool
	Timeout  time.Duration
}

// Client implements ports.ArtifactStore.
type Client struct {
	http     *resty.Client
	cacheDir string
	offline  bool
	logger   *zap.Logger
}

// New returns a registry client. Files land under cfg.CacheDir.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.CacheDir) == "" {
		return nil, errors.New("hub cache dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	r := resty.New().
		SetLogger(logger.Sugar()).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0)
	if cfg.Token != "" {
		r.SetAuthToken(cfg.Token)
	}

	return &Client{
		http:     r,
		cacheDir: cfg.CacheDir,
		offline:  cfg.Offline,
		logger:   logger,
	}, nil
}

// Fetch returns the cached path of file, downloading it on a cache miss.
func (c *Client) Fetch(ctx context.Context, repo, revision, file string) (string, error) {
	if revision == "" {
		revision = "main"
	}
	if err := checkSegments(repo, revision, file); err != nil {
		return "", err
	}

	local := c.cachePath(repo, revision, file)
	if info, err := os.Stat(local); err == nil && !info.IsDir() {
		c.logger.Debug("artifact cache hit", zap.String("repo", repo), zap.String("file", file))
		return local, nil
	}

	if c.offline {
		return "", fmt.Errorf("%w: %s/%s@%s", ErrNotCached, repo, file, revision)
	}

	resp, err := c.http.R().SetContext(ctx).Get(resolvePath(repo, revision, file))
	if err != nil {
		return "", fmt.Errorf("couldn't connect with model registry: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s/%s@%s", ErrNotFound, repo, file, revision)
	}
	if resp.IsError() {
		return "", fmt.Errorf("fetching %s/%s: %w", repo, file, &httpclient.UpstreamError{
			StatusCode: resp.StatusCode(),
			Body:       resp.Body(),
			URL:        resp.Request.URL,
		})
	}

	if err := writeAtomic(local, resp.Body()); err != nil {
		return "", fmt.Errorf("failed to cache %s/%s: %w", repo, file, err)
	}

	c.logger.Info("artifact downloaded",
		zap.String("repo", repo),
		zap.String("revision", revision),
		zap.String("file", file),
		zap.Int("bytes", len(resp.Body())),
	)
	return local, nil
}

func (c *Client) cachePath(repo, revision, file string) string {
	dir := "models--" + strings.ReplaceAll(repo, "/", "--")
	return filepath.Join(c.cacheDir, dir, revision, filepath.FromSlash(file))
}

func resolvePath(repo, revision, file string) string {
	escape := func(p string) string {
		parts := strings.Split(p, "/")
		for i, part := range parts {
			parts[i] = url.PathEscape(part)
		}
		return strings.Join(parts, "/")
	}
	return "/" + escape(repo) + "/resolve/" + url.PathEscape(revision) + "/" + escape(file)
}

func checkSegments(values ...string) error {
	for _, v := range values {
		if v == "" {
			return errors.New("empty artifact path segment")
		}
		for _, part := range strings.Split(v, "/") {
			if part == "" || part == "." || part == ".." {
				return fmt.Errorf("invalid artifact path %q", v)
			}
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
