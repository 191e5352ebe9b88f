package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrChecksumMismatch reports a downloaded file that does not match its
// expected digest or size.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// HashFile returns the hex sha256 digest and size of the file at path.
func HashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

// VerifySHA256 checks the file at path against a hex digest.
func VerifySHA256(path, expected string) error {
	sum, _, err := HashFile(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(sum, strings.TrimSpace(expected)) {
		return fmt.Errorf("%w for %q: expected %s got %s", ErrChecksumMismatch, path, expected, sum)
	}
	return nil
}

// Verification describes the optional integrity checks applied to a
// downloaded installer.
type Verification struct {
	SHA256   string
	Manifest *Manifest
	Signer   *Signer
}

// Enabled reports whether any check is configured.
func (v Verification) Enabled() bool {
	return v.SHA256 != "" || v.Manifest != nil
}

// Verify runs every configured check against the file at path.
func (v Verification) Verify(path string) error {
	if v.SHA256 != "" {
		if err := VerifySHA256(path, v.SHA256); err != nil {
			return err
		}
	}
	if v.Manifest == nil {
		return nil
	}
	if v.Signer == nil {
		return errors.New("a signer is required to verify the installer manifest")
	}
	if err := v.Signer.VerifyManifest(v.Manifest); err != nil {
		return err
	}

	sum, size, err := HashFile(path)
	if err != nil {
		return err
	}
	want := v.Manifest.Installer
	if want.Size > 0 && size != want.Size {
		return fmt.Errorf("%w for %q: expected %d bytes got %d", ErrChecksumMismatch, path, want.Size, size)
	}
	if !strings.EqualFold(sum, want.SHA256) {
		return fmt.Errorf("%w for %q: manifest sha256 %s got %s", ErrChecksumMismatch, path, want.SHA256, sum)
	}
	return nil
}
