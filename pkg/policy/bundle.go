package policy

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/acgs-project/agentbus/pkg/constitutional"
)

// manifestSchema constrains the wire form of a bundle manifest. Revision is
// a full git SHA; version is semver; the constitutional hash is pinned.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "version", "revision", "constitutional_hash", "roots"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+"},
    "revision": {"type": "string", "pattern": "^[0-9a-f]{40}$"},
    "constitutional_hash": {"type": "string", "pattern": "^[0-9a-f]{16}$"},
    "timestamp": {"type": "string"},
    "roots": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "signatures": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["keyid", "sig", "alg"],
        "properties": {
          "keyid": {"type": "string"},
          "sig": {"type": "string", "pattern": "^[0-9a-f]+$"},
          "alg": {"type": "string"},
          "timestamp": {"type": "string"}
        }
      }
    },
    "metadata": {"type": "object"}
  }
}`

var compiledManifestSchema = mustCompileManifestSchema()

func mustCompileManifestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://acgs.schemas.local/bundle-manifest.schema.json"
	if err := c.AddResource(url, strings.NewReader(manifestSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// Signature is one detached signature over the manifest's signing content.
type Signature struct {
	KeyID     string `json:"keyid"`
	Sig       string `json:"sig"` // hex
	Alg       string `json:"alg"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Manifest describes one distributable policy bundle.
type Manifest struct {
	Name               string         `json:"name"`
	Version            string         `json:"version"`
	Revision           string         `json:"revision"`
	ConstitutionalHash string         `json:"constitutional_hash"`
	Timestamp          string         `json:"timestamp"`
	Roots              []string       `json:"roots"`
	Signatures         []Signature    `json:"signatures,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// NewManifest builds a manifest pinned to the fleet constitutional hash.
func NewManifest(name, version, revision string) *Manifest {
	return &Manifest{
		Name:               name,
		Version:            version,
		Revision:           revision,
		ConstitutionalHash: constitutional.Hash,
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
		Roots:              []string{"acgs/governance"},
	}
}

// Validate checks the manifest against the schema, the semver constraint
// and the constitutional pin.
func (m *Manifest) Validate() error {
	if m.ConstitutionalHash != constitutional.Hash {
		return fmt.Errorf("policy: manifest %s pinned to foreign constitutional hash %s",
			m.Name, constitutional.MaskHash(m.ConstitutionalHash))
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("policy: manifest %s version %q: %w", m.Name, m.Version, err)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("policy: marshal manifest: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("policy: reparse manifest: %w", err)
	}
	if err := compiledManifestSchema.Validate(instance); err != nil {
		return fmt.Errorf("policy: manifest %s schema: %w", m.Name, err)
	}
	return nil
}

// AttachContent records the archive's content hash in the manifest metadata
// so the signature also covers the bundle data. Call before Sign.
func (m *Manifest) AttachContent(data []byte) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	sum := sha256.Sum256(data)
	m.Metadata["content_hash"] = "sha256:" + hex.EncodeToString(sum[:])
}

// signingContent is the canonical manifest form with signatures excluded,
// so adding a signature never invalidates earlier ones.
func (m *Manifest) signingContent() ([]byte, error) {
	clone := *m
	clone.Signatures = nil
	raw, err := json.Marshal(clone)
	if err != nil {
		return nil, fmt.Errorf("policy: marshal signing content: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("policy: canonicalize signing content: %w", err)
	}
	return canonical, nil
}

// Sign appends an ed25519 signature over the signing content.
func (m *Manifest) Sign(priv ed25519.PrivateKey, keyID string) error {
	content, err := m.signingContent()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(priv, content)
	m.Signatures = append(m.Signatures, Signature{
		KeyID:     keyID,
		Sig:       hex.EncodeToString(sig),
		Alg:       "ed25519",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return nil
}

// VerifySignature reports whether at least one signature verifies against
// the given hex-encoded ed25519 public key. Unknown algorithms are skipped.
func (m *Manifest) VerifySignature(publicKeyHex string) (bool, error) {
	if len(m.Signatures) == 0 {
		return false, nil
	}
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("policy: invalid public key")
	}
	content, err := m.signingContent()
	if err != nil {
		return false, err
	}

	for _, entry := range m.Signatures {
		if entry.Alg != "ed25519" {
			continue
		}
		sig, err := hex.DecodeString(entry.Sig)
		if err != nil {
			continue
		}
		if ed25519.Verify(ed25519.PublicKey(pub), content, sig) {
			return true, nil
		}
	}
	return false, nil
}

// Digest is the hex SHA-256 over the canonical full manifest, signatures
// included. It names the manifest in the bundle registry.
func (m *Manifest) Digest() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("policy: marshal manifest: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("policy: canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
