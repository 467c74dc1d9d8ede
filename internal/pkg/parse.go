package pkg

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ralt/opm/internal/version"
)

// ParseError reports a malformed record with its origin and line number.
type ParseError struct {
	File string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// rawField is one field of a control block before interpretation.
type rawField struct {
	name  string
	value string
	line  int
}

// ParseStream consumes a stream of RFC-822-style blocks separated by blank
// lines, one concrete package per block. Malformed records are skipped and
// reported in the returned error slice; a scanner failure aborts the whole
// read. The parser never touches the filesystem.
func ParseStream(r io.Reader, origin string) ([]*Pkg, []*ParseError, error) {
	var (
		pkgs    []*Pkg
		perrs   []*ParseError
		fields  []rawField
		blockAt int
		lineNo  int
	)

	flush := func() {
		if len(fields) == 0 {
			return
		}
		p, err := pkgFromFields(fields)
		if err != nil {
			perrs = append(perrs, &ParseError{File: origin, Line: blockAt, Err: err})
		} else {
			pkgs = append(pkgs, p)
		}
		fields = nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}

		// Continuation line: appended to the previous field, leading
		// whitespace preserved only for Description.
		if line[0] == ' ' || line[0] == '\t' {
			if len(fields) == 0 {
				perrs = append(perrs, &ParseError{File: origin, Line: lineNo,
					Err: fmt.Errorf("continuation line without a field")})
				continue
			}
			last := &fields[len(fields)-1]
			if last.name == "Description" {
				last.value += "\n" + line
			} else {
				last.value += " " + strings.TrimSpace(line)
			}
			continue
		}

		idx := strings.Index(line, ":")
		if idx <= 0 {
			perrs = append(perrs, &ParseError{File: origin, Line: lineNo,
				Err: fmt.Errorf("malformed field line %q", line)})
			continue
		}
		if len(fields) == 0 {
			blockAt = lineNo
		}
		fields = append(fields, rawField{
			name:  strings.TrimSpace(line[:idx]),
			value: strings.TrimSpace(line[idx+1:]),
			line:  lineNo,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, perrs, fmt.Errorf("reading %s: %w", origin, err)
	}
	flush()

	return pkgs, perrs, nil
}

// ParseControl parses a single control block, as extracted from a package
// archive.
func ParseControl(data []byte, origin string) (*Pkg, error) {
	pkgs, perrs, err := ParseStream(strings.NewReader(string(data)), origin)
	if err != nil {
		return nil, err
	}
	if len(perrs) > 0 {
		return nil, perrs[0]
	}
	if len(pkgs) != 1 {
		return nil, fmt.Errorf("%s: expected one control block, got %d", origin, len(pkgs))
	}
	return pkgs[0], nil
}

// pkgFromFields interprets one block of raw fields. Duplicate fields make
// the record malformed.
func pkgFromFields(fields []rawField) (*Pkg, error) {
	seen := make(map[string]bool, len(fields))
	p := New()

	for _, f := range fields {
		if seen[f.name] {
			return nil, fmt.Errorf("duplicate field %q", f.name)
		}
		seen[f.name] = true

		if err := setField(p, f.name, f.value); err != nil {
			return nil, err
		}
	}

	if p.Name == "" {
		return nil, fmt.Errorf("record without a Package field")
	}
	return p, nil
}

func setField(p *Pkg, name, value string) error {
	switch name {
	case "Package":
		p.Name = value
	case "Version":
		v, err := version.Parse(value)
		if err != nil {
			return fmt.Errorf("Version: %w", err)
		}
		p.Version = v
	case "Architecture":
		p.Architecture = value
	case "Maintainer":
		p.Maintainer = value
	case "Section":
		p.Section = value
	case "Priority":
		p.Priority = value
	case "Description":
		p.Description = value
	case "Tags":
		p.Tags = value
	case "Source":
		p.Source = value
	case "Filename":
		p.Filename = value
	case "Essential":
		p.Essential = value == "yes"
	case "Auto-Installed":
		p.AutoInstalled = value == "yes"
	case "MD5sum", "MD5Sum":
		p.MD5Sum = value
	case "SHA256sum", "SHA256Sum":
		p.SHA256Sum = value
	case "Size":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("Size: %w", err)
		}
		p.Size = n
	case "Installed-Size":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("Installed-Size: %w", err)
		}
		p.InstalledSize = n
	case "Installed-Time":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("Installed-Time: %w", err)
		}
		p.InstalledTime = n
	case "Depends":
		p.DependsStr = value
	case "Pre-Depends":
		p.PreDependsStr = value
	case "Recommends":
		p.RecommendsStr = value
	case "Suggests":
		p.SuggestsStr = value
	case "Conflicts":
		p.ConflictsStr = value
	case "Replaces":
		p.ReplacesStr = value
	case "Provides":
		p.ProvidesStr = value
	case "Status":
		if err := parseStatusField(p, value); err != nil {
			return err
		}
	case "Conffiles":
		conffiles, err := parseConffiles(value)
		if err != nil {
			return err
		}
		p.Conffiles = conffiles
	default:
		// Unknown fields are preserved as userfields; the status writer
		// decides whether to emit them.
		p.UserFields = append(p.UserFields, Field{Name: name, Value: value})
	}
	return nil
}

// parseStatusField parses "Status: <want> <flag[,flag...]> <status>".
func parseStatusField(p *Pkg, value string) error {
	parts := strings.Fields(value)
	if len(parts) != 3 {
		return fmt.Errorf("Status: expected three tokens in %q", value)
	}

	want, err := ParseStateWant(parts[0])
	if err != nil {
		return fmt.Errorf("Status: %w", err)
	}
	flag, err := ParseStateFlag(parts[1])
	if err != nil {
		return fmt.Errorf("Status: %w", err)
	}
	status, err := ParseStateStatus(parts[2])
	if err != nil {
		return fmt.Errorf("Status: %w", err)
	}

	p.StateWant = want
	p.StateFlag = flag
	p.StateStatus = status
	return nil
}

// parseConffiles parses whitespace-separated path/md5 pairs.
func parseConffiles(value string) ([]Conffile, error) {
	tokens := strings.Fields(value)
	if len(tokens)%2 != 0 {
		return nil, fmt.Errorf("Conffiles: odd token count in %q", value)
	}
	var out []Conffile
	for i := 0; i < len(tokens); i += 2 {
		out = append(out, Conffile{Path: tokens[i], MD5: tokens[i+1]})
	}
	return out, nil
}
