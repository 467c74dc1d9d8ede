package pkg

import (
	"fmt"
	"io"
	"strings"
)

// dependsLine renders every relation of the given kind as a comma-separated
// control value. Falls back to the raw field when the package has not been
// resolved yet, so emission round-trips without an index.
func (p *Pkg) dependsLine(kind DepKind) string {
	var raw string
	switch kind {
	case DepPreDepend:
		raw = p.PreDependsStr
	case DepDepend:
		raw = p.DependsStr
	case DepRecommend:
		raw = p.RecommendsStr
	case DepSuggest:
		raw = p.SuggestsStr
	case DepConflict:
		raw = p.ConflictsStr
	case DepReplace:
		raw = p.ReplacesStr
	}

	var parts []string
	for _, d := range p.Depends {
		if d.Kind == kind {
			parts = append(parts, d.String())
		}
	}
	if len(parts) == 0 {
		return strings.TrimSpace(raw)
	}
	return strings.Join(parts, ", ")
}

// providesLine renders the Provides value, skipping the self-entry.
func (p *Pkg) providesLine() string {
	if len(p.Provides) == 0 {
		return strings.TrimSpace(p.ProvidesStr)
	}
	var parts []string
	for _, ab := range p.Provides {
		if ab.Name == p.Name {
			continue
		}
		parts = append(parts, ab.Name)
	}
	return strings.Join(parts, ", ")
}

func writeField(w io.Writer, name, value string) {
	if value != "" {
		fmt.Fprintf(w, "%s: %s\n", name, value)
	}
}

func writeDepends(w io.Writer, p *Pkg, kind DepKind) {
	writeField(w, kind.String(), p.dependsLine(kind))
}

func writeConffiles(w io.Writer, p *Pkg) {
	if len(p.Conffiles) == 0 {
		return
	}
	fmt.Fprintf(w, "Conffiles:\n")
	for _, cf := range p.Conffiles {
		fmt.Fprintf(w, " %s %s\n", cf.Path, cf.MD5)
	}
}

func writeStatusLine(w io.Writer, p *Pkg) {
	fmt.Fprintf(w, "Status: %s %s %s\n", p.StateWant, p.StateFlag, p.StateStatus)
}

// WriteInfo writes the full control representation of the package, in the
// canonical field order, terminated by a blank line.
func (p *Pkg) WriteInfo(w io.Writer, verbose bool) {
	writeField(w, "Package", p.Name)
	writeField(w, "Version", p.Version.String())
	writeDepends(w, p, DepDepend)
	writeDepends(w, p, DepRecommend)
	writeDepends(w, p, DepSuggest)
	writeDepends(w, p, DepPreDepend)
	writeField(w, "Provides", p.providesLine())
	writeDepends(w, p, DepReplace)
	writeDepends(w, p, DepConflict)
	writeStatusLine(w, p)
	writeField(w, "Section", p.Section)
	if p.Essential {
		fmt.Fprintf(w, "Essential: yes\n")
	}
	writeField(w, "Architecture", p.Architecture)
	writeField(w, "Maintainer", p.Maintainer)
	writeField(w, "MD5Sum", p.MD5Sum)
	writeField(w, "SHA256sum", p.SHA256Sum)
	if p.Size > 0 {
		fmt.Fprintf(w, "Size: %d\n", p.Size)
	}
	writeField(w, "Filename", p.Filename)
	writeConffiles(w, p)
	writeField(w, "Source", p.Source)
	writeField(w, "Description", p.Description)
	if p.InstalledSize > 0 {
		fmt.Fprintf(w, "Installed-Size: %d\n", p.InstalledSize)
	}
	if p.InstalledTime > 0 {
		fmt.Fprintf(w, "Installed-Time: %d\n", p.InstalledTime)
	}
	writeField(w, "Tags", p.Tags)
	if verbose {
		for _, f := range p.UserFields {
			writeField(w, f.Name, f.Value)
		}
	}
	fmt.Fprintf(w, "\n")
}

// WriteStatus writes the package's status-file block, terminated by a blank
// line. Verbose mode adds the descriptive fields and preserved userfields.
func (p *Pkg) WriteStatus(w io.Writer, verbose bool) {
	installed := p.StateStatus == StatusInstalled ||
		p.StateStatus == StatusUnpacked ||
		p.StateStatus == StatusHalfInstalled

	writeField(w, "Package", p.Name)
	writeField(w, "Version", p.Version.String())
	writeDepends(w, p, DepDepend)
	writeDepends(w, p, DepRecommend)
	writeDepends(w, p, DepSuggest)
	writeDepends(w, p, DepPreDepend)
	writeField(w, "Provides", p.providesLine())
	writeDepends(w, p, DepReplace)
	writeDepends(w, p, DepConflict)
	writeStatusLine(w, p)
	if verbose {
		writeField(w, "Section", p.Section)
	}
	if p.Essential {
		fmt.Fprintf(w, "Essential: yes\n")
	}
	writeField(w, "Architecture", p.Architecture)
	if verbose {
		writeField(w, "Maintainer", p.Maintainer)
		writeField(w, "MD5Sum", p.MD5Sum)
		if p.Size > 0 {
			fmt.Fprintf(w, "Size: %d\n", p.Size)
		}
		writeField(w, "Filename", p.Filename)
	}
	writeConffiles(w, p)
	if verbose {
		writeField(w, "Source", p.Source)
		writeField(w, "Description", p.Description)
	}
	if installed {
		if p.InstalledSize > 0 {
			fmt.Fprintf(w, "Installed-Size: %d\n", p.InstalledSize)
		}
		if p.InstalledTime > 0 {
			fmt.Fprintf(w, "Installed-Time: %d\n", p.InstalledTime)
		}
		if p.AutoInstalled {
			fmt.Fprintf(w, "Auto-Installed: yes\n")
		}
	}
	if verbose {
		for _, f := range p.UserFields {
			writeField(w, f.Name, f.Value)
		}
	}
	fmt.Fprintf(w, "\n")
}
