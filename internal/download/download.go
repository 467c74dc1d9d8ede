// Package download fetches package archives and feed indexes over HTTP,
// with temp-file-then-rename writes and exponential retry. Network fetches
// are the only place retries happen.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/ralt/opm/internal/utils"
)

// Downloader fetches remote files into a local cache directory.
type Downloader struct {
	client  *http.Client
	retries uint64
}

// New creates a downloader.
func New() *Downloader {
	return &Downloader{
		client:  &http.Client{Timeout: 5 * time.Minute},
		retries: 3,
	}
}

// Fetch downloads src into destPath. An existing destination is reused.
// Local sources (no scheme, or file://) are copied instead of fetched.
func (d *Downloader) Fetch(ctx context.Context, src, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		logrus.Debugf("Using cached %s", destPath)
		return nil
	}

	if local, ok := localPath(src); ok {
		return utils.CopyFile(local, destPath)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	op := func() error {
		return d.fetchOnce(ctx, src, destPath)
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.retries)
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("downloading %s: %w", src, err)
	}
	return nil
}

func (d *Downloader) fetchOnce(ctx context.Context, src, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return backoff.Permanent(err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		// Server errors are worth retrying.
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	// Write to temp file first, then rename
	tmpPath := destPath + ".part"
	out, err := os.Create(tmpPath)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating file: %w", err))
	}

	_, err = io.Copy(out, resp.Body)
	out.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return backoff.Permanent(fmt.Errorf("renaming file: %w", err))
	}

	return nil
}

// localPath reports whether src names a local file and returns its path.
func localPath(src string) (string, bool) {
	if strings.HasPrefix(src, "file://") {
		u, err := url.Parse(src)
		if err != nil {
			return "", false
		}
		return u.Path, true
	}
	if !strings.Contains(src, "://") {
		return src, true
	}
	return "", false
}

// JoinURL appends a filename to a feed base URL or path.
func JoinURL(base, name string) string {
	if strings.Contains(base, "://") {
		return strings.TrimRight(base, "/") + "/" + name
	}
	return filepath.Join(base, name)
}
