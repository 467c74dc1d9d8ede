package cli

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ralt/opm/internal/conf"
	"github.com/ralt/opm/internal/destination"
	"github.com/ralt/opm/internal/download"
	"github.com/ralt/opm/internal/feeds"
	"github.com/ralt/opm/internal/files"
	"github.com/ralt/opm/internal/pkg"
	"github.com/ralt/opm/internal/status"
	"github.com/ralt/opm/internal/transaction"
	"github.com/ralt/opm/internal/verify"
)

// app bundles the assembled core for one invocation.
type app struct {
	opts   *conf.Options
	hash   *pkg.Hash
	dest   *destination.Dest
	stat   *status.File
	owners *files.Index
	cache  *feeds.Cache
	feeds  *feeds.Manager
	dl     *download.Downloader
}

// setup loads configuration, opens the feed cache, parses the status
// database and rebuilds the file-ownership index.
func setup(cmd *cobra.Command) (*app, error) {
	confPath, _ := cmd.Flags().GetString("conf")
	destName, _ := cmd.Flags().GetString("dest")
	offlineRoot, _ := cmd.Flags().GetString("offline-root")

	opts, err := conf.Load(confPath)
	if err != nil {
		return nil, err
	}
	if offlineRoot != "" {
		opts.OfflineRoot = offlineRoot
	}
	applyPolicyFlags(cmd, opts)

	spec, err := opts.DestSpecFor(destName)
	if err != nil {
		return nil, err
	}
	dest := destination.New(spec, opts.OfflineRoot)

	if opts.OfflineRoot != "" {
		opts.CacheDir = filepath.Join(opts.OfflineRoot, opts.CacheDir)
	}

	cache, err := feeds.OpenCache(filepath.Join(opts.CacheDir, "feeds.db"))
	if err != nil {
		return nil, err
	}

	a := &app{
		opts:   opts,
		hash:   pkg.NewHash(),
		dest:   dest,
		stat:   status.NewFile(dest, opts.VerboseStatusFile),
		owners: files.NewIndex(),
		cache:  cache,
		dl:     download.New(),
	}
	a.feeds = feeds.NewManager(opts, a.dl, cache)

	installed, err := a.stat.Load(a.hash, opts)
	if err != nil {
		a.close()
		return nil, err
	}
	if err := a.feeds.LoadInto(a.hash); err != nil {
		a.close()
		return nil, err
	}
	if err := a.owners.Rebuild(dest, installed); err != nil {
		a.close()
		return nil, err
	}
	a.hash.RollupStatus()

	if orphans := a.orphans(); len(orphans) > 0 {
		logrus.Warnf("%d files are not owned by any installed package; opm status lists them", len(orphans))
	}

	return a, nil
}

// orphans lists tracked paths without an installed owner.
func (a *app) orphans() []string {
	known := make(map[*pkg.Pkg]bool)
	for _, p := range a.hash.InstalledAll() {
		known[p] = true
	}
	return a.owners.Orphans(known)
}

func applyPolicyFlags(cmd *cobra.Command, opts *conf.Options) {
	if v, err := cmd.Flags().GetBool("add-recommends"); err == nil && v {
		opts.AddRecommends = true
	}
	if v, err := cmd.Flags().GetBool("force-checksum"); err == nil && v {
		opts.ForceChecksum = true
	}
	if v, err := cmd.Flags().GetBool("force-removal-of-essential"); err == nil && v {
		opts.ForceRemovalOfEssential = true
	}
	if v, err := cmd.Flags().GetBool("configure-on-unpack"); err == nil && v {
		opts.ConfigureOnUnpack = true
	}
	if v, err := cmd.Flags().GetBool("autoremove"); err == nil && v {
		opts.AutoRemove = true
	}
}

func (a *app) close() {
	if a.cache != nil {
		a.cache.Close()
	}
}

// engine acquires the destination lock and assembles the transaction
// engine with signal-driven cancellation. The returned release function
// also runs on signal-induced exits.
func (a *app) engine() (*transaction.Engine, func(), error) {
	lock, err := a.dest.AcquireLock()
	if err != nil {
		return nil, nil, err
	}

	checker, err := verify.NewChecker(a.opts.ForceChecksum, a.opts.CheckSignature, a.opts.KeyringPath)
	if err != nil {
		lock.Release()
		return nil, nil, err
	}

	eng := transaction.New(a.opts, a.hash, a.dest, a.stat, a.owners, checker, a.dl, a.feeds)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if sig, ok := <-sigs; ok {
			logrus.Warnf("Received %s, finishing current package", sig)
			eng.Cancel()
		}
	}()

	release := func() {
		signal.Stop(sigs)
		close(sigs)
		lock.Release()
	}
	return eng, release, nil
}
