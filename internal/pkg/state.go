package pkg

import (
	"fmt"
	"strings"
)

// StateWant is what the user asked for a package.
type StateWant int

const (
	WantUnknown StateWant = iota
	WantInstall
	WantDeinstall
	WantPurge
)

// String returns the status-file spelling of the want state.
func (w StateWant) String() string {
	switch w {
	case WantUnknown:
		return "unknown"
	case WantInstall:
		return "install"
	case WantDeinstall:
		return "deinstall"
	case WantPurge:
		return "purge"
	default:
		return "unknown"
	}
}

// ParseStateWant parses a status-file want string.
func ParseStateWant(s string) (StateWant, error) {
	switch s {
	case "unknown":
		return WantUnknown, nil
	case "install":
		return WantInstall, nil
	case "deinstall":
		return WantDeinstall, nil
	case "purge":
		return WantPurge, nil
	default:
		return WantUnknown, fmt.Errorf("unknown want state %q", s)
	}
}

// StateFlag is a bitset of per-package flags.
type StateFlag int

const (
	FlagOK        StateFlag = 0
	FlagReinstReq StateFlag = 1 << iota
	FlagHold
	FlagReplace
	FlagNoPrune
	FlagPrefer
	FlagObsolete
	FlagUser
	FlagFilelistChanged

	// Volatile flags are never written to the status file.
	flagVolatile = FlagNoPrune | FlagFilelistChanged
)

var stateFlagNames = []struct {
	flag StateFlag
	name string
}{
	{FlagReinstReq, "reinstreq"},
	{FlagHold, "hold"},
	{FlagReplace, "replace"},
	{FlagNoPrune, "noprune"},
	{FlagPrefer, "prefer"},
	{FlagObsolete, "obsolete"},
	{FlagUser, "user"},
	{FlagFilelistChanged, "filelist-changed"},
}

// String renders the flag set as a comma-separated list, or "ok" when the
// non-volatile set is empty.
func (f StateFlag) String() string {
	var names []string
	for _, e := range stateFlagNames {
		if f&e.flag != 0 && e.flag&flagVolatile == 0 {
			names = append(names, e.name)
		}
	}
	if len(names) == 0 {
		return "ok"
	}
	return strings.Join(names, ",")
}

// ParseStateFlag parses a comma-separated flag list.
func ParseStateFlag(s string) (StateFlag, error) {
	f := FlagOK
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" || name == "ok" {
			continue
		}
		found := false
		for _, e := range stateFlagNames {
			if e.name == name {
				f |= e.flag
				found = true
				break
			}
		}
		if !found {
			return f, fmt.Errorf("unknown state flag %q", name)
		}
	}
	return f, nil
}

// StateStatus is where a package sits in the install lifecycle.
type StateStatus int

const (
	StatusNotInstalled StateStatus = iota
	StatusUnpacked
	StatusHalfConfigured
	StatusInstalled
	StatusHalfInstalled
	StatusConfigFiles
	StatusPostInstFailed
	StatusRemovalFailed
)

// String returns the status-file spelling of the status.
func (s StateStatus) String() string {
	switch s {
	case StatusNotInstalled:
		return "not-installed"
	case StatusUnpacked:
		return "unpacked"
	case StatusHalfConfigured:
		return "half-configured"
	case StatusInstalled:
		return "installed"
	case StatusHalfInstalled:
		return "half-installed"
	case StatusConfigFiles:
		return "config-files"
	case StatusPostInstFailed:
		return "post-inst-failed"
	case StatusRemovalFailed:
		return "removal-failed"
	default:
		return "not-installed"
	}
}

// ParseStateStatus parses a status-file status string.
func ParseStateStatus(s string) (StateStatus, error) {
	switch s {
	case "not-installed":
		return StatusNotInstalled, nil
	case "unpacked":
		return StatusUnpacked, nil
	case "half-configured":
		return StatusHalfConfigured, nil
	case "installed":
		return StatusInstalled, nil
	case "half-installed":
		return StatusHalfInstalled, nil
	case "config-files":
		return StatusConfigFiles, nil
	case "post-inst-failed":
		return StatusPostInstFailed, nil
	case "removal-failed":
		return StatusRemovalFailed, nil
	default:
		return StatusNotInstalled, fmt.Errorf("unknown status %q", s)
	}
}
