package feeds

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/ralt/opm/internal/conf"
	"github.com/ralt/opm/internal/download"
	"github.com/ralt/opm/internal/pkg"
)

// Manager fetches and loads the configured feeds.
type Manager struct {
	opts  *conf.Options
	dl    *download.Downloader
	cache *Cache
}

// NewManager creates a feed manager over the given cache.
func NewManager(opts *conf.Options, dl *download.Downloader, cache *Cache) *Manager {
	return &Manager{opts: opts, dl: dl, cache: cache}
}

// Update refreshes every configured feed: Packages.gz is tried first,
// plain Packages as fallback. The uncompressed data lands in the cache.
func (m *Manager) Update(ctx context.Context) error {
	for _, feed := range m.opts.Feeds {
		logrus.Infof("Updating feed %s...", feed.Name)
		data, err := m.fetchIndex(ctx, feed)
		if err != nil {
			return fmt.Errorf("updating feed %s: %w", feed.Name, err)
		}
		if err := m.cache.Put(feed.Name, data); err != nil {
			return fmt.Errorf("caching feed %s: %w", feed.Name, err)
		}
		logrus.Infof("Feed %s updated (%d bytes)", feed.Name, len(data))
	}
	return nil
}

func (m *Manager) fetchIndex(ctx context.Context, feed conf.Feed) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "opm-feed-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	// Try Packages.gz first, fall back to Packages.
	gzPath := filepath.Join(tmpDir, "Packages.gz")
	err = m.dl.Fetch(ctx, download.JoinURL(feed.URL, "Packages.gz"), gzPath)
	if err == nil {
		raw, err := os.ReadFile(gzPath)
		if err != nil {
			return nil, err
		}
		return gunzip(raw)
	}
	logrus.Debugf("No Packages.gz for %s, trying Packages: %v", feed.Name, err)

	plainPath := filepath.Join(tmpDir, "Packages")
	if err := m.dl.Fetch(ctx, download.JoinURL(feed.URL, "Packages"), plainPath); err != nil {
		return nil, err
	}
	return os.ReadFile(plainPath)
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// LoadInto parses every cached feed into the package index. Malformed
// records are skipped with a warning; the load continues.
func (m *Manager) LoadInto(h *pkg.Hash) error {
	for _, feed := range m.opts.Feeds {
		data, err := m.cache.Get(feed.Name)
		if err != nil {
			return err
		}
		if data == nil {
			logrus.Warnf("Feed %s has never been updated, run update first", feed.Name)
			continue
		}

		pkgs, perrs, err := pkg.ParseStream(bytes.NewReader(data), feed.Name)
		if err != nil {
			return fmt.Errorf("parsing feed %s: %w", feed.Name, err)
		}
		for _, perr := range perrs {
			logrus.Warnf("Skipping malformed record: %v", perr)
		}

		for _, p := range pkgs {
			p.Src = feed.Name
			p.ArchPriority = m.opts.ArchPriorityFor(p.Architecture)
			if _, err := h.Insert(p); err != nil {
				logrus.Warnf("Skipping %s: %v", p.ID(), err)
			}
		}
		logrus.Debugf("Loaded %d packages from feed %s", len(pkgs), feed.Name)
	}
	return nil
}

// FeedURL returns the base URL of the named feed, or empty when unknown.
func (m *Manager) FeedURL(name string) string {
	for _, feed := range m.opts.Feeds {
		if feed.Name == name {
			return feed.URL
		}
	}
	return ""
}
