package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
)

// BundleState is the lifecycle state of a bundle in the registry.
type BundleState string

const (
	BundleStatePublished  BundleState = "published"
	BundleStateVerified   BundleState = "verified"
	BundleStateActive     BundleState = "active"
	BundleStateDeprecated BundleState = "deprecated"
)

// BundleEntry is a registered bundle: its signed manifest plus the content
// address of the archive in the blob store.
type BundleEntry struct {
	Digest      string      `json:"digest"`
	BlobRef     string      `json:"blob_ref"`
	Manifest    *Manifest   `json:"manifest"`
	State       BundleState `json:"state"`
	PublishedAt time.Time   `json:"published_at"`
	PublishedBy string      `json:"published_by"`
}

// BundleRegistry manages signed policy bundles with staged activation.
// Exactly one bundle per name may be active; the previous active bundle is
// retained for rollback.
type BundleRegistry struct {
	blobs    BlobStore
	keys     map[string]string // keyID -> hex ed25519 public key
	entries  map[string]*BundleEntry
	byName   map[string][]string // name -> digests in publish order
	active   map[string]string   // name -> active digest
	previous map[string]string   // name -> previously active digest
	mu       sync.RWMutex
}

// NewBundleRegistry creates a registry over the given blob store.
func NewBundleRegistry(blobs BlobStore) *BundleRegistry {
	return &BundleRegistry{
		blobs:    blobs,
		keys:     make(map[string]string),
		entries:  make(map[string]*BundleEntry),
		byName:   make(map[string][]string),
		active:   make(map[string]string),
		previous: make(map[string]string),
	}
}

// AddTrustedKey registers a hex-encoded ed25519 public key for signature
// verification.
func (r *BundleRegistry) AddTrustedKey(keyID, publicKeyHex string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[keyID] = publicKeyHex
}

// signatureValid reports whether at least one manifest signature verifies
// against a trusted key. Caller holds at least a read lock.
func (r *BundleRegistry) signatureValid(m *Manifest) bool {
	for _, sig := range m.Signatures {
		pub, ok := r.keys[sig.KeyID]
		if !ok {
			continue
		}
		if verified, err := m.VerifySignature(pub); err == nil && verified {
			return true
		}
	}
	return false
}

// Publish validates, verifies and stores a bundle.
// Requires a valid manifest, at least one signature from a trusted key, and
// non-empty archive data. Republishing an identical bundle is a no-op.
func (r *BundleRegistry) Publish(ctx context.Context, m *Manifest, data []byte, publishedBy string) (string, error) {
	if m == nil {
		return "", fmt.Errorf("manifest cannot be nil")
	}
	if len(data) == 0 {
		return "", fmt.Errorf("bundle data is required")
	}
	if err := m.Validate(); err != nil {
		return "", err
	}
	if len(m.Signatures) == 0 {
		return "", fmt.Errorf("at least one signature is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.keys) == 0 {
		return "", fmt.Errorf("no trusted signing keys configured (fail-closed)")
	}
	if !r.signatureValid(m) {
		return "", fmt.Errorf("no valid signature found")
	}

	digest, err := m.Digest()
	if err != nil {
		return "", err
	}
	if _, ok := r.entries[digest]; ok {
		return digest, nil
	}

	blobRef, err := r.blobs.Store(ctx, data)
	if err != nil {
		return "", fmt.Errorf("store bundle data: %w", err)
	}

	// A signed content hash must match what was actually stored.
	if want, ok := m.Metadata["content_hash"].(string); ok && want != "" && want != blobRef {
		return "", fmt.Errorf("bundle data does not match signed content hash %s", want)
	}

	r.entries[digest] = &BundleEntry{
		Digest:      digest,
		BlobRef:     blobRef,
		Manifest:    m,
		State:       BundleStatePublished,
		PublishedAt: time.Now(),
		PublishedBy: publishedBy,
	}
	r.byName[m.Name] = append(r.byName[m.Name], digest)
	return digest, nil
}

// Get retrieves a bundle entry by digest.
func (r *BundleRegistry) Get(digest string) (*BundleEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[digest]
	return entry, ok
}

// GetByNameVersion retrieves a bundle entry by name and version.
func (r *BundleRegistry) GetByNameVersion(name, version string) (*BundleEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, digest := range r.byName[name] {
		entry := r.entries[digest]
		if entry.Manifest.Version == version {
			return entry, true
		}
	}
	return nil, false
}

// ListVersions returns all published versions of a bundle in semver order.
func (r *BundleRegistry) ListVersions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	digests, ok := r.byName[name]
	if !ok {
		return []string{}
	}

	versions := make([]*semver.Version, 0, len(digests))
	for _, digest := range digests {
		if v, err := semver.NewVersion(r.entries[digest].Manifest.Version); err == nil {
			versions = append(versions, v)
		}
	}
	sort.Sort(semver.Collection(versions))

	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = v.Original()
	}
	return out
}

// MarkVerified re-checks signatures and transitions published -> verified.
func (r *BundleRegistry) MarkVerified(digest string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[digest]
	if !ok {
		return fmt.Errorf("bundle not found: %s", digest)
	}
	if entry.State != BundleStatePublished {
		return fmt.Errorf("bundle must be published before verification, current state: %s", entry.State)
	}
	if !r.signatureValid(entry.Manifest) {
		return fmt.Errorf("signature verification failed for bundle %s", digest)
	}
	entry.State = BundleStateVerified
	return nil
}

// Activate makes a verified bundle the active one for its name. The
// previously active bundle is deprecated but kept for rollback.
func (r *BundleRegistry) Activate(digest string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[digest]
	if !ok {
		return fmt.Errorf("bundle not found: %s", digest)
	}
	if entry.State != BundleStateVerified {
		return fmt.Errorf("bundle must be verified before activation, current state: %s", entry.State)
	}

	name := entry.Manifest.Name
	if current, ok := r.active[name]; ok && current != digest {
		r.entries[current].State = BundleStateDeprecated
		r.previous[name] = current
	}
	r.active[name] = digest
	entry.State = BundleStateActive
	return nil
}

// Rollback reactivates the previously active bundle for a name.
func (r *BundleRegistry) Rollback(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.previous[name]
	if !ok {
		return "", fmt.Errorf("no previous active bundle for %s", name)
	}
	current := r.active[name]

	r.entries[current].State = BundleStateDeprecated
	r.entries[prev].State = BundleStateActive
	r.active[name] = prev
	r.previous[name] = current
	return prev, nil
}

// Active returns the active bundle entry for a name.
func (r *BundleRegistry) Active(name string) (*BundleEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	digest, ok := r.active[name]
	if !ok {
		return nil, false
	}
	return r.entries[digest], true
}

// Fetch loads the archive for a bundle and re-verifies its content address.
func (r *BundleRegistry) Fetch(ctx context.Context, digest string) (*Manifest, []byte, error) {
	r.mu.RLock()
	entry, ok := r.entries[digest]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("bundle not found: %s", digest)
	}

	data, err := r.blobs.Get(ctx, entry.BlobRef)
	if err != nil {
		return nil, nil, err
	}
	if got := "sha256:" + blobHash(data); got != entry.BlobRef {
		return nil, nil, fmt.Errorf("bundle data corrupted: %s", digest)
	}
	return entry.Manifest, data, nil
}

// Hash computes a deterministic hash of the registry state.
func (r *BundleRegistry) Hash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*BundleEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Digest < entries[j].Digest
	})

	raw, _ := json.Marshal(map[string]any{
		"bundle_count": len(entries),
		"entries":      entries,
	})
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Count returns the total number of registered bundles.
func (r *BundleRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
