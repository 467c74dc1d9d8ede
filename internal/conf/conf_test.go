package conf

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	opts := Default()
	if len(opts.Destinations) != 1 || opts.Destinations[0].Root != "/" {
		t.Errorf("Destinations = %+v", opts.Destinations)
	}
	if opts.ArchPriorityFor("all") != 1 {
		t.Error("all should be supported by default")
	}
	if opts.ArchPriorityFor("mips") != 0 {
		t.Error("unknown architectures are unsupported")
	}
	if opts.ArchPriorityFor("") != 1 {
		t.Error("records without an architecture are universal")
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	opts, err := Load(filepath.Join(t.TempDir(), "absent.conf"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(opts.Destinations) != 1 {
		t.Errorf("defaults should stand: %+v", opts.Destinations)
	}
}

func TestLoadFile(t *testing.T) {
	content := `
cache_dir = "/tmp/opm-cache"
check_signature = true
keyring = "/etc/opm/keyring.asc"

[[feeds]]
name = "main"
url = "http://feeds.example.com/main"

[[dests]]
name = "root"
root = "/"

[[dests]]
name = "usb"
root = "/mnt/usb"

[arch_priority]
all = 1
armv7 = 20
`
	path := filepath.Join(t.TempDir(), "opm.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(opts.Feeds) != 1 || opts.Feeds[0].Name != "main" {
		t.Errorf("Feeds = %+v", opts.Feeds)
	}
	if opts.CacheDir != "/tmp/opm-cache" || !opts.CheckSignature {
		t.Errorf("opts = %+v", opts)
	}
	if opts.ArchPriorityFor("armv7") != 20 {
		t.Errorf("arch priority lost")
	}

	spec, err := opts.DestSpecFor("usb")
	if err != nil || spec.Root != "/mnt/usb" {
		t.Errorf("DestSpecFor = %+v, %v", spec, err)
	}
	if _, err := opts.DestSpecFor("ghost"); err == nil {
		t.Error("unknown destination should fail")
	}
	first, err := opts.DestSpecFor("")
	if err != nil || first.Name != "root" {
		t.Errorf("empty name should pick the first destination")
	}
}
