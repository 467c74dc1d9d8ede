// Package conf holds the process-wide options, passed explicitly to the
// packages that need them instead of living in a global.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Feed is one remote package source.
type Feed struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
}

// DestSpec names an install root. InfoDir and StatusFile default to
// <root>/var/lib/opm/info and <root>/var/lib/opm/status.
type DestSpec struct {
	Name       string `toml:"name"`
	Root       string `toml:"root"`
	InfoDir    string `toml:"info_dir"`
	StatusFile string `toml:"status_file"`
}

// Options is the explicit configuration context consumed by the core.
type Options struct {
	Feeds        []Feed         `toml:"feeds"`
	Destinations []DestSpec     `toml:"dests"`
	ArchPriority map[string]int `toml:"arch_priority"`

	CacheDir    string `toml:"cache_dir"`
	OfflineRoot string `toml:"offline_root"`

	// Policy switches.
	AddRecommends           bool `toml:"add_recommends"`
	CheckSignature          bool `toml:"check_signature"`
	ForceChecksum           bool `toml:"force_checksum"`
	ForceRemovalOfEssential bool `toml:"force_removal_of_essential"`
	ConfigureOnUnpack       bool `toml:"configure_on_unpack"`
	VerboseStatusFile       bool `toml:"verbose_status_file"`
	AutoRemove              bool `toml:"autoremove"`

	KeyringPath string `toml:"keyring"`
}

// Default returns the built-in configuration: one destination rooted at /,
// the host architecture preferred, universal architectures accepted.
func Default() *Options {
	return &Options{
		Destinations: []DestSpec{{Name: "root", Root: "/"}},
		ArchPriority: map[string]int{
			"all":      1,
			"noarch":   1,
			hostArch(): 10,
		},
		CacheDir: "/var/cache/opm",
	}
}

// Load reads a TOML configuration file over the defaults. A missing file is
// not an error; the defaults stand.
func Load(path string) (*Options, error) {
	opts := Default()
	if path == "" {
		return opts, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return opts, nil
	}

	if _, err := toml.DecodeFile(path, opts); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if len(opts.Destinations) == 0 {
		opts.Destinations = Default().Destinations
	}
	if len(opts.ArchPriority) == 0 {
		opts.ArchPriority = Default().ArchPriority
	}
	return opts, nil
}

// ArchPriorityFor returns the configured priority of an architecture; 0
// means unsupported.
func (o *Options) ArchPriorityFor(arch string) int {
	if arch == "" {
		// Records without an architecture are treated as universal.
		return 1
	}
	return o.ArchPriority[arch]
}

// DestSpecFor returns the named destination spec, or the first one when
// name is empty.
func (o *Options) DestSpecFor(name string) (DestSpec, error) {
	if name == "" {
		if len(o.Destinations) == 0 {
			return DestSpec{}, fmt.Errorf("no destinations configured")
		}
		return o.Destinations[0], nil
	}
	for _, d := range o.Destinations {
		if d.Name == name {
			return d, nil
		}
	}
	return DestSpec{}, fmt.Errorf("unknown destination %q", name)
}

// CachePath returns the local download path for a feed filename.
func (o *Options) CachePath(filename string) string {
	return filepath.Join(o.CacheDir, filepath.Base(filename))
}

func hostArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm":
		return "armv7"
	case "arm64":
		return "aarch64"
	default:
		return runtime.GOARCH
	}
}
