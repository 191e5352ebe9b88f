package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeInstaller(t *testing.T, content string) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "setup.exe")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	sum := sha256.Sum256([]byte(content))
	return path, hex.EncodeToString(sum[:])
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	signer, err := NewSigner(identity.String(), "")
	require.NoError(t, err)
	return signer
}

func TestVerifySHA256(t *testing.T) {
	t.Parallel()

	path, sum := writeInstaller(t, "payload")
	require.NoError(t, VerifySHA256(path, sum))

	err := VerifySHA256(path, "00"+sum[2:])
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestSignerRequiresAKey(t *testing.T) {
	t.Parallel()

	_, err := NewSigner("", "")
	require.ErrorIs(t, err, ErrNoKey)

	_, err = NewSigner("AGE-SECRET-KEY-NOTVALID", "")
	require.Error(t, err)
}

func TestSignerRejectsMismatchedPair(t *testing.T) {
	t.Parallel()

	a := newTestSigner(t)
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	_, err = NewSigner(identity.String(), a.PublicKeyBase64())
	require.Error(t, err)
}

func TestManifestRoundTripVerifies(t *testing.T) {
	t.Parallel()

	signer := newTestSigner(t)
	assert.NotEmpty(t, signer.Recipient())

	path, sum := writeInstaller(t, "installer-v1")
	m, err := NewManifest(path, "https://downloads.example.com/setup.exe", signer, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, sum, m.Installer.SHA256)
	assert.Equal(t, int64(len("installer-v1")), m.Installer.Size)
	assert.Equal(t, "setup.exe", m.Installer.Name)

	manifestPath := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, WriteManifest(manifestPath, m))
	loaded, err := LoadManifest(manifestPath)
	require.NoError(t, err)

	hostSigner, err := NewSigner("", signer.PublicKeyBase64())
	require.NoError(t, err)

	v := Verification{SHA256: sum, Manifest: loaded, Signer: hostSigner}
	assert.True(t, v.Enabled())
	require.NoError(t, v.Verify(path))
}

func TestVerificationRejectsTampering(t *testing.T) {
	t.Parallel()

	signer := newTestSigner(t)
	path, _ := writeInstaller(t, "installer-v1")
	m, err := NewManifest(path, "", signer, time.Now())
	require.NoError(t, err)

	tampered := *m
	tampered.Installer.SHA256 = "deadbeef"
	err = Verification{Manifest: &tampered, Signer: signer}.Verify(path)
	require.ErrorIs(t, err, ErrSignature)

	require.NoError(t, os.WriteFile(path, []byte("installer-v2"), 0o644))
	err = Verification{Manifest: m, Signer: signer}.Verify(path)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	other := newTestSigner(t)
	err = Verification{Manifest: m, Signer: other}.Verify(path)
	require.ErrorIs(t, err, ErrSignature)
}

func TestVerificationWithoutSigner(t *testing.T) {
	t.Parallel()

	path, _ := writeInstaller(t, "x")
	err := Verification{Manifest: &Manifest{}}.Verify(path)
	require.Error(t, err)

	assert.False(t, Verification{}.Enabled())
	require.NoError(t, Verification{}.Verify(path))
}

func TestSignWithoutSecretFails(t *testing.T) {
	t.Parallel()

	signer := newTestSigner(t)
	verifyOnly, err := NewSigner("", signer.PublicKeyBase64())
	require.NoError(t, err)

	_, err = verifyOnly.Sign([]byte("x"))
	require.ErrorIs(t, err, ErrNoKey)
}
