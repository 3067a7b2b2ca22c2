package audit

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/acgs-project/agentbus/pkg/constitutional"
)

// Signer derives a deterministic Ed25519 keypair per tenant from a master
// seed via HKDF-SHA256 and signs canonical decision-log content. Tenant
// keys are cached after first derivation.
type Signer struct {
	seed []byte

	mu   sync.Mutex
	keys map[string]ed25519.PrivateKey
}

// NewSigner builds a signer over a 32-byte master seed.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("audit: signer seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Signer{
		seed: append([]byte(nil), seed...),
		keys: make(map[string]ed25519.PrivateKey),
	}, nil
}

// NewEphemeralSigner builds a signer with a random seed. Signatures from
// different processes will not verify against each other; intended for
// development and tests.
func NewEphemeralSigner() (*Signer, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("audit: generate signer seed: %w", err)
	}
	return NewSigner(seed)
}

// SignEntry signs the canonical digest of the entry with the tenant key
// and returns the hex signature.
func (s *Signer) SignEntry(entry *constitutional.DecisionLog) (string, error) {
	key, err := s.tenantKey(entry.TenantID)
	if err != nil {
		return "", err
	}
	digest, err := constitutional.CanonicalDigest(entry)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalise entry: %w", err)
	}
	return hex.EncodeToString(ed25519.Sign(key, []byte(digest))), nil
}

// PublicKey returns the hex verification key for a tenant.
func (s *Signer) PublicKey(tenantID string) (string, error) {
	key, err := s.tenantKey(tenantID)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key.Public().(ed25519.PublicKey)), nil
}

// Verify checks a hex signature produced by SignEntry.
func (s *Signer) Verify(entry *constitutional.DecisionLog, hexSig string) (bool, error) {
	key, err := s.tenantKey(entry.TenantID)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return false, fmt.Errorf("audit: decode signature: %w", err)
	}
	digest, err := constitutional.CanonicalDigest(entry)
	if err != nil {
		return false, fmt.Errorf("audit: canonicalise entry: %w", err)
	}
	return ed25519.Verify(key.Public().(ed25519.PublicKey), []byte(digest), sig), nil
}

func (s *Signer) tenantKey(tenantID string) (ed25519.PrivateKey, error) {
	if tenantID == "" {
		tenantID = "default"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[tenantID]; ok {
		return key, nil
	}
	kdf := hkdf.New(sha256.New, s.seed, []byte("acgs2-audit-signing"), []byte(tenantID))
	derived := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("audit: derive tenant key: %w", err)
	}
	key := ed25519.NewKeyFromSeed(derived)
	s.keys[tenantID] = key
	return key, nil
}
