package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const manifestVersion = "1"

// Manifest is the signed description of an installer release.
type Manifest struct {
	Version          string           `yaml:"version"`
	CreatedAt        time.Time        `yaml:"created_at"`
	Signer           string           `yaml:"signer,omitempty"`
	SigningPublicKey string           `yaml:"signing_public_key,omitempty"`
	Signature        string           `yaml:"signature,omitempty"`
	Installer        InstallerPayload `yaml:"installer"`
}

// InstallerPayload pins the installer an operator released.
type InstallerPayload struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url,omitempty"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// SigningBytes marshals the manifest without its signature for signing/verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// LoadManifest reads a YAML manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Installer.SHA256 == "" {
		return nil, errors.New("manifest is missing installer.sha256")
	}
	return &m, nil
}

// NewManifest hashes the installer at path and signs the resulting manifest.
func NewManifest(path, url string, signer *Signer, now time.Time) (*Manifest, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	sum, size, err := HashFile(path)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Version:          manifestVersion,
		CreatedAt:        now.UTC(),
		Signer:           signer.Recipient(),
		SigningPublicKey: signer.PublicKeyBase64(),
		Installer: InstallerPayload{
			Name:   filepath.Base(path),
			URL:    url,
			Size:   size,
			SHA256: sum,
		},
	}

	payload, err := m.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	m.Signature = sig
	return m, nil
}

// WriteManifest writes m to path as YAML.
func WriteManifest(path string, m *Manifest) error {
	if m == nil {
		return errors.New("manifest is required")
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create manifest dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}
