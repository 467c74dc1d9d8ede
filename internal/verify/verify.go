// Package verify implements the ordered verification gate run before a
// package archive may be unpacked: exact size, checksum, and optional
// detached PGP signature.
package verify

import (
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/sirupsen/logrus"

	"github.com/ralt/opm/internal/utils"
)

// Checker verifies downloaded package files.
type Checker struct {
	// ForceChecksum downgrades every failure to a warning and keeps the
	// file on disk.
	ForceChecksum bool

	// CheckSignature requires a valid detached signature next to the
	// package file.
	CheckSignature bool

	keyring openpgp.EntityList
}

// NewChecker creates a checker. keyringPath may be empty when signature
// checking is disabled.
func NewChecker(forceChecksum, checkSignature bool, keyringPath string) (*Checker, error) {
	c := &Checker{
		ForceChecksum:  forceChecksum,
		CheckSignature: checkSignature,
	}
	if !checkSignature {
		return c, nil
	}
	if keyringPath == "" {
		return nil, fmt.Errorf("signature checking enabled but no keyring configured")
	}

	keyring, err := loadKeyring(keyringPath)
	if err != nil {
		return nil, err
	}
	c.keyring = keyring
	return c, nil
}

// loadKeyring reads a public keyring, armored or binary.
func loadKeyring(path string) (openpgp.EntityList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	defer f.Close()

	// Try to parse as armored keyring first
	keyring, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		// Try as binary keyring
		f.Seek(0, 0)
		keyring, err = openpgp.ReadKeyRing(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read keyring: %w", err)
		}
	}

	if len(keyring) == 0 {
		return nil, fmt.Errorf("no keys found in keyring %s", path)
	}
	return keyring, nil
}

// Package runs the full gate for a local package file against its
// advertised size and checksums. Any failure removes the file and its
// signature unless ForceChecksum is set.
func (c *Checker) Package(localPath string, size int64, md5sum, sha256sum string) error {
	err := c.check(localPath, size, md5sum, sha256sum)
	if err == nil {
		return nil
	}
	if c.ForceChecksum {
		logrus.Warnf("Ignoring verification failure for %s: %v", localPath, err)
		return nil
	}

	// A file that failed verification must not survive to be picked up by
	// a later run.
	os.Remove(localPath)
	os.Remove(localPath + ".sig")
	return err
}

func (c *Checker) check(localPath string, size int64, md5sum, sha256sum string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	if size > 0 && info.Size() != size {
		return fmt.Errorf("size mismatch: got %d, expected %d", info.Size(), size)
	}

	sums, err := utils.CalculateChecksums(localPath)
	if err != nil {
		return fmt.Errorf("checksumming: %w", err)
	}
	switch {
	case sha256sum != "":
		if sums.SHA256 != sha256sum {
			return fmt.Errorf("sha256 mismatch: got %s, expected %s", sums.SHA256, sha256sum)
		}
	case md5sum != "":
		if sums.MD5 != md5sum {
			return fmt.Errorf("md5 mismatch: got %s, expected %s", sums.MD5, md5sum)
		}
	default:
		return fmt.Errorf("no checksum known for %s", localPath)
	}

	if c.CheckSignature {
		if err := c.signature(localPath, localPath+".sig"); err != nil {
			return err
		}
	}
	return nil
}

// signature verifies the armored detached signature at sigPath over the
// file at dataPath.
func (c *Checker) signature(dataPath, sigPath string) error {
	data, err := os.Open(dataPath)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer data.Close()

	sig, err := os.Open(sigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("missing signature %s", sigPath)
		}
		return fmt.Errorf("open signature: %w", err)
	}
	defer sig.Close()

	_, err = openpgp.CheckArmoredDetachedSignature(c.keyring, data, sig, nil)
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}
