package artifacts

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	envAgeSecretKey = "AGE_SECRET_KEY"
	envAgePublicKey = "AGE_PUBLIC_KEY"
)

var (
	// ErrSignature reports a manifest whose signature does not verify.
	ErrSignature = errors.New("manifest signature invalid")
	// ErrNoKey reports a signer that has neither a secret nor a public key.
	ErrNoKey = errors.New("no signing key configured")
)

// Signer signs and verifies installer manifests with an Ed25519 key pair
// derived from an age identity. Hosts only need the public half.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// NewSignerFromEnv builds a Signer from AGE_SECRET_KEY and/or AGE_PUBLIC_KEY.
func NewSignerFromEnv() (*Signer, error) {
	return NewSigner(os.Getenv(envAgeSecretKey), os.Getenv(envAgePublicKey))
}

// NewSigner builds a Signer from an age secret key (AGE-SECRET-KEY-1...) and
// a base64 Ed25519 public key. Either may be empty but not both; when both
// are given they must belong together.
func NewSigner(secret, public string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	public = strings.TrimSpace(public)
	if secret == "" && public == "" {
		return nil, fmt.Errorf("%w: set %s or %s", ErrNoKey, envAgeSecretKey, envAgePublicKey)
	}

	s := &Signer{}
	if secret != "" {
		seed, err := decodeAgeSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAgeSecretKey, err)
		}
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		s.publicKey = ed25519.PublicKey(s.privateKey[ed25519.SeedSize:])

		if identity, err := age.ParseX25519Identity(secret); err == nil {
			s.recipient = identity.Recipient().String()
		}
	}

	if public != "" {
		decoded, err := decodePublicKey(public)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", envAgePublicKey, err)
		}
		if s.publicKey == nil {
			s.publicKey = decoded
		} else if !bytes.Equal(s.publicKey, decoded) {
			return nil, fmt.Errorf("%s does not match %s", envAgePublicKey, envAgeSecretKey)
		}
	}

	return s, nil
}

// Sign produces a base64-encoded Ed25519 signature for payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil {
		return "", errors.New("nil signer")
	}
	if len(s.privateKey) == 0 {
		return "", fmt.Errorf("%w: signing requires %s", ErrNoKey, envAgeSecretKey)
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, payload)), nil
}

// VerifyManifest checks m's signature against the configured public key.
// A key embedded in the manifest must match the configured one.
func (s *Signer) VerifyManifest(m *Manifest) error {
	if s == nil {
		return errors.New("nil signer")
	}
	if m == nil {
		return errors.New("manifest is required")
	}
	if len(s.publicKey) == 0 {
		return ErrNoKey
	}
	if m.SigningPublicKey != "" {
		embedded, err := decodePublicKey(m.SigningPublicKey)
		if err != nil {
			return fmt.Errorf("decode manifest public key: %w", err)
		}
		if !bytes.Equal(embedded, s.publicKey) {
			return fmt.Errorf("%w: signed by unexpected key", ErrSignature)
		}
	}

	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(m.Signature))
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrSignature, err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: invalid signature length %d", ErrSignature, len(sig))
	}
	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if !ed25519.Verify(s.publicKey, payload, sig) {
		return ErrSignature
	}
	return nil
}

// PublicKeyBase64 returns the Ed25519 public key in base64 form.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Recipient returns the age recipient of the secret key, if one was given.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if l := len(decoded); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, l)
	}
	return ed25519.PublicKey(decoded), nil
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
