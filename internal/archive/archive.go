// Package archive reads Debian-style package archives: an outer ar or
// gzipped-tar container holding control.tar.* and data.tar.* members, each
// compressed with gzip, xz or zstd.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Format is the outer container format of a package file.
type Format int

const (
	FormatUnknown Format = iota
	FormatAr
	FormatTarGz
)

// Magic bytes for container detection
var (
	arMagic   = []byte("!<arch>\n")
	gzipMagic = []byte{0x1F, 0x8B}
)

// DetectFormat determines the outer container format based on magic bytes.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	header := make([]byte, 8)
	n, err := f.Read(header)
	if err != nil && n == 0 {
		return FormatUnknown, err
	}
	header = header[:n]

	if bytes.HasPrefix(header, arMagic) {
		return FormatAr, nil
	}
	if bytes.HasPrefix(header, gzipMagic) {
		return FormatTarGz, nil
	}
	return FormatUnknown, nil
}

// ControlFiles extracts every member of the control archive, keyed by its
// cleaned name: "control", "conffiles", "preinst", "postinst", "prerm",
// "postrm", "md5sums".
func ControlFiles(pkgPath string) (map[string][]byte, error) {
	data, name, err := readMember(pkgPath, "control.tar")
	if err != nil {
		return nil, err
	}

	tr, err := memberReader(name, data)
	if err != nil {
		return nil, err
	}

	files := make(map[string][]byte)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		files[path.Clean(strings.TrimPrefix(header.Name, "./"))] = content
	}

	if _, ok := files["control"]; !ok {
		return nil, fmt.Errorf("control file not found in control.tar")
	}
	return files, nil
}

// Control extracts just the control file from a package archive.
func Control(pkgPath string) ([]byte, error) {
	files, err := ControlFiles(pkgPath)
	if err != nil {
		return nil, err
	}
	return files["control"], nil
}

// DataFunc receives one entry of the data archive. The reader is only valid
// until the callback returns.
type DataFunc func(hdr *tar.Header, r io.Reader) error

// Data walks the data archive of a package, calling fn for every entry.
func Data(pkgPath string, fn DataFunc) error {
	data, name, err := readMember(pkgPath, "data.tar")
	if err != nil {
		return err
	}

	tr, err := memberReader(name, data)
	if err != nil {
		return err
	}

	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(header, tr); err != nil {
			return err
		}
	}
}

// readMember locates the member whose name starts with prefix in the outer
// container and returns its raw bytes together with its full name.
func readMember(pkgPath, prefix string) ([]byte, string, error) {
	format, err := DetectFormat(pkgPath)
	if err != nil {
		return nil, "", err
	}

	switch format {
	case FormatAr:
		return readArMember(pkgPath, prefix)
	case FormatTarGz:
		return readTarGzMember(pkgPath, prefix)
	default:
		return nil, "", fmt.Errorf("%s: not a package archive", pkgPath)
	}
}

// readArMember walks an ar archive. Headers are 60 bytes: 16 bytes of
// space-padded filename, the decimal size at bytes 48-58, data padded to a
// 2-byte boundary.
func readArMember(pkgPath, prefix string) ([]byte, string, error) {
	f, err := os.Open(pkgPath)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	// Skip the global header ("!<arch>\n").
	if _, err := f.Seek(int64(len(arMagic)), io.SeekStart); err != nil {
		return nil, "", err
	}

	for {
		arHeader := make([]byte, 60)
		n, err := io.ReadFull(f, arHeader)
		if err == io.EOF {
			break
		}
		if err != nil || n != 60 {
			return nil, "", fmt.Errorf("failed to read ar header")
		}

		// Trim the trailing slash some ar writers include.
		filename := strings.TrimRight(strings.TrimSpace(string(arHeader[0:16])), "/")

		sizeStr := strings.TrimSpace(string(arHeader[48:58]))
		var size int64
		fmt.Sscanf(sizeStr, "%d", &size)

		if strings.HasPrefix(filename, prefix) {
			data := make([]byte, size)
			if _, err := io.ReadFull(f, data); err != nil {
				return nil, "", err
			}
			return data, filename, nil
		}

		// Skip this member's data.
		if _, err := f.Seek(size, io.SeekCurrent); err != nil {
			return nil, "", err
		}

		// Align to 2-byte boundary
		if size%2 != 0 {
			f.Seek(1, io.SeekCurrent)
		}
	}

	return nil, "", fmt.Errorf("%s not found in package", prefix)
}

// readTarGzMember walks a gzipped-tar outer container, the legacy package
// layout.
func readTarGzMember(pkgPath, prefix string) ([]byte, string, error) {
	f, err := os.Open(pkgPath)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, "", err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", err
		}

		name := strings.TrimPrefix(header.Name, "./")
		if strings.HasPrefix(name, prefix) {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, "", err
			}
			return data, name, nil
		}
	}

	return nil, "", fmt.Errorf("%s not found in package", prefix)
}

// memberReader decompresses a member based on its extension and returns a
// tar reader over it.
func memberReader(filename string, data []byte) (*tar.Reader, error) {
	if strings.HasSuffix(filename, ".gz") {
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return tar.NewReader(gr), nil
	}
	if strings.HasSuffix(filename, ".xz") {
		xr, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return tar.NewReader(xr), nil
	}
	if strings.HasSuffix(filename, ".zst") {
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return tar.NewReader(zr), nil
	}
	return tar.NewReader(bytes.NewReader(data)), nil
}
