package evidence

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// Signer holds the ed25519 manifest-signing pair. The private and public
// PEMs are validated to be the same key at construction; a drifted pair is
// refused at startup instead of producing unverifiable evidence.
type Signer struct {
	keyID   string
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// NewSigner parses and cross-checks a PEM key pair. PEMs carrying literal
// "\n" sequences (as env vars often do) are normalized to real newlines.
func NewSigner(keyID, privatePEM, publicPEM string) (*Signer, error) {
	if keyID == "" {
		return nil, errors.New("evidence: signer key id is required")
	}
	priv, err := parsePrivatePEM(normalizePEM(privatePEM))
	if err != nil {
		return nil, fmt.Errorf("evidence: private key: %w", err)
	}
	pub, err := parsePublicPEM(normalizePEM(publicPEM))
	if err != nil {
		return nil, fmt.Errorf("evidence: public key: %w", err)
	}

	derivedDER, err := x509.MarshalPKIXPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal derived public key: %w", err)
	}
	providedDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal provided public key: %w", err)
	}
	if !bytes.Equal(derivedDER, providedDER) {
		return nil, errors.New("evidence: public key does not match private key")
	}

	return &Signer{keyID: keyID, private: priv, public: pub}, nil
}

// GenerateSigner creates an ephemeral pair, for tests and dev deployments.
func GenerateSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("evidence: generate key: %w", err)
	}
	return &Signer{keyID: keyID, private: priv, public: pub}, nil
}

// KeyID returns the signer's key identifier.
func (s *Signer) KeyID() string { return s.keyID }

// PrivatePEM returns the PKCS8 PEM encoding of the private key.
func (s *Signer) PrivatePEM() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(s.private)
	if err != nil {
		return "", fmt.Errorf("evidence: marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// PublicPEM returns the PKIX PEM encoding of the public key.
func (s *Signer) PublicPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(s.public)
	if err != nil {
		return "", fmt.Errorf("evidence: marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Sign returns the base64 ed25519 signature over payload.
func (s *Signer) Sign(payload []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.private, payload))
}

// Verify checks a base64 signature over payload.
func (s *Signer) Verify(payload []byte, signatureB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.public, payload, sig)
}

func normalizePEM(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, `\n`, "\n"))
}

func parsePrivatePEM(s string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T, want ed25519", key)
	}
	return priv, nil
}

func parsePublicPEM(s string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %T, want ed25519", key)
	}
	return pub, nil
}
