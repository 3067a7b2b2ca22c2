package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signedBundle builds a manifest over data, signed with a fresh key.
func signedBundle(t *testing.T, name, version string, data []byte, keyID string) (*Manifest, string) {
	t.Helper()
	priv, pubHex := testKeyPair(t)

	m := NewManifest(name, version, testRevision)
	m.AttachContent(data)
	require.NoError(t, m.Sign(priv, keyID))
	return m, pubHex
}

func testRegistry(t *testing.T) (*BundleRegistry, *FileBlobStore) {
	t.Helper()
	blobs, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	return NewBundleRegistry(blobs), blobs
}

func TestBundleRegistryPublish(t *testing.T) {
	registry, _ := testRegistry(t)
	data := []byte("rego archive v1")
	m, pubHex := signedBundle(t, "governance-core", "1.0.0", data, "release-key")
	registry.AddTrustedKey("release-key", pubHex)

	digest, err := registry.Publish(context.Background(), m, data, "ci-pipeline")
	require.NoError(t, err)
	assert.Len(t, digest, 64)

	entry, ok := registry.Get(digest)
	require.True(t, ok)
	assert.Equal(t, BundleStatePublished, entry.State)
	assert.Equal(t, "ci-pipeline", entry.PublishedBy)
	assert.True(t, strings.HasPrefix(entry.BlobRef, "sha256:"))
	assert.Equal(t, 1, registry.Count())
}

func TestBundleRegistryPublishNoTrustedKeysFailsClosed(t *testing.T) {
	registry, _ := testRegistry(t)
	data := []byte("archive")
	m, _ := signedBundle(t, "governance-core", "1.0.0", data, "release-key")

	_, err := registry.Publish(context.Background(), m, data, "ci")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no trusted signing keys")
}

func TestBundleRegistryPublishUntrustedKey(t *testing.T) {
	registry, _ := testRegistry(t)
	data := []byte("archive")
	m, _ := signedBundle(t, "governance-core", "1.0.0", data, "rogue-key")

	// Trust a different key than the one that signed.
	_, otherPub := testKeyPair(t)
	registry.AddTrustedKey("release-key", otherPub)

	_, err := registry.Publish(context.Background(), m, data, "ci")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid signature found")
}

func TestBundleRegistryPublishWithoutSignature(t *testing.T) {
	registry, _ := testRegistry(t)
	_, pubHex := testKeyPair(t)
	registry.AddTrustedKey("release-key", pubHex)

	m := NewManifest("governance-core", "1.0.0", testRevision)
	_, err := registry.Publish(context.Background(), m, []byte("archive"), "ci")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one signature is required")
}

func TestBundleRegistryPublishContentMismatch(t *testing.T) {
	registry, _ := testRegistry(t)
	data := []byte("signed archive")
	m, pubHex := signedBundle(t, "governance-core", "1.0.0", data, "release-key")
	registry.AddTrustedKey("release-key", pubHex)

	// Publishing different bytes than the signed content hash covers.
	_, err := registry.Publish(context.Background(), m, []byte("swapped archive"), "ci")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match signed content hash")
}

func TestBundleRegistryRepublishIdempotent(t *testing.T) {
	registry, _ := testRegistry(t)
	data := []byte("archive")
	m, pubHex := signedBundle(t, "governance-core", "1.0.0", data, "release-key")
	registry.AddTrustedKey("release-key", pubHex)

	first, err := registry.Publish(context.Background(), m, data, "ci")
	require.NoError(t, err)
	second, err := registry.Publish(context.Background(), m, data, "ci")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, registry.Count())
}

func TestBundleRegistryStagedActivation(t *testing.T) {
	registry, _ := testRegistry(t)
	data := []byte("archive")
	m, pubHex := signedBundle(t, "governance-core", "1.0.0", data, "release-key")
	registry.AddTrustedKey("release-key", pubHex)

	digest, err := registry.Publish(context.Background(), m, data, "ci")
	require.NoError(t, err)

	// Cannot activate straight from published.
	err = registry.Activate(digest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be verified")

	require.NoError(t, registry.MarkVerified(digest))
	entry, _ := registry.Get(digest)
	assert.Equal(t, BundleStateVerified, entry.State)

	require.NoError(t, registry.Activate(digest))
	active, ok := registry.Active("governance-core")
	require.True(t, ok)
	assert.Equal(t, digest, active.Digest)
	assert.Equal(t, BundleStateActive, active.State)
}

func TestBundleRegistryActivationAndRollback(t *testing.T) {
	registry, _ := testRegistry(t)
	ctx := context.Background()

	priv, pubHex := testKeyPair(t)
	registry.AddTrustedKey("release-key", pubHex)

	publish := func(version string, data []byte) string {
		m := NewManifest("governance-core", version, testRevision)
		m.AttachContent(data)
		require.NoError(t, m.Sign(priv, "release-key"))
		digest, err := registry.Publish(ctx, m, data, "ci")
		require.NoError(t, err)
		require.NoError(t, registry.MarkVerified(digest))
		require.NoError(t, registry.Activate(digest))
		return digest
	}

	v1 := publish("1.0.0", []byte("archive v1"))
	v2 := publish("1.1.0", []byte("archive v2"))

	// v2 active, v1 deprecated.
	active, _ := registry.Active("governance-core")
	assert.Equal(t, v2, active.Digest)
	old, _ := registry.Get(v1)
	assert.Equal(t, BundleStateDeprecated, old.State)

	// Rollback swaps them.
	prev, err := registry.Rollback("governance-core")
	require.NoError(t, err)
	assert.Equal(t, v1, prev)

	active, _ = registry.Active("governance-core")
	assert.Equal(t, v1, active.Digest)
	newer, _ := registry.Get(v2)
	assert.Equal(t, BundleStateDeprecated, newer.State)

	// No rollback without history.
	_, err = registry.Rollback("unknown-bundle")
	assert.Error(t, err)
}

func TestBundleRegistryListVersionsSemverOrder(t *testing.T) {
	registry, _ := testRegistry(t)
	ctx := context.Background()

	priv, pubHex := testKeyPair(t)
	registry.AddTrustedKey("release-key", pubHex)

	for _, version := range []string{"1.10.0", "1.2.0", "1.0.0"} {
		data := []byte("archive " + version)
		m := NewManifest("governance-core", version, testRevision)
		m.AttachContent(data)
		require.NoError(t, m.Sign(priv, "release-key"))
		_, err := registry.Publish(ctx, m, data, "ci")
		require.NoError(t, err)
	}

	// Semantic order, not lexicographic: 1.10.0 sorts after 1.2.0.
	assert.Equal(t, []string{"1.0.0", "1.2.0", "1.10.0"}, registry.ListVersions("governance-core"))
	assert.Empty(t, registry.ListVersions("unknown"))
}

func TestBundleRegistryGetByNameVersion(t *testing.T) {
	registry, _ := testRegistry(t)
	data := []byte("archive")
	m, pubHex := signedBundle(t, "governance-core", "1.2.3", data, "release-key")
	registry.AddTrustedKey("release-key", pubHex)

	_, err := registry.Publish(context.Background(), m, data, "ci")
	require.NoError(t, err)

	entry, ok := registry.GetByNameVersion("governance-core", "1.2.3")
	require.True(t, ok)
	assert.Equal(t, "1.2.3", entry.Manifest.Version)

	_, ok = registry.GetByNameVersion("governance-core", "9.9.9")
	assert.False(t, ok)
}

func TestBundleRegistryFetch(t *testing.T) {
	registry, _ := testRegistry(t)
	data := []byte("rego archive contents")
	m, pubHex := signedBundle(t, "governance-core", "1.0.0", data, "release-key")
	registry.AddTrustedKey("release-key", pubHex)

	digest, err := registry.Publish(context.Background(), m, data, "ci")
	require.NoError(t, err)

	manifest, got, err := registry.Fetch(context.Background(), digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "governance-core", manifest.Name)

	_, _, err = registry.Fetch(context.Background(), strings.Repeat("0", 64))
	assert.Error(t, err)
}

func TestBundleRegistryFetchDetectsCorruption(t *testing.T) {
	blobDir := t.TempDir()
	blobs, err := NewFileBlobStore(blobDir)
	require.NoError(t, err)
	registry := NewBundleRegistry(blobs)

	data := []byte("pristine archive")
	m, pubHex := signedBundle(t, "governance-core", "1.0.0", data, "release-key")
	registry.AddTrustedKey("release-key", pubHex)

	digest, err := registry.Publish(context.Background(), m, data, "ci")
	require.NoError(t, err)

	// Overwrite the stored blob in place.
	entry, _ := registry.Get(digest)
	raw := strings.TrimPrefix(entry.BlobRef, "sha256:")
	require.NoError(t, os.WriteFile(filepath.Join(blobDir, raw+".blob"), []byte("tampered"), 0o644))

	_, _, err = registry.Fetch(context.Background(), digest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupted")
}

func TestBundleRegistryHashDeterministic(t *testing.T) {
	data := []byte("archive")
	m, _ := signedBundle(t, "governance-core", "1.0.0", data, "release-key")

	digest, err := m.Digest()
	require.NoError(t, err)
	entry := &BundleEntry{
		Digest:      digest,
		BlobRef:     "sha256:" + blobHash(data),
		Manifest:    m,
		State:       BundleStatePublished,
		PublishedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		PublishedBy: "ci",
	}

	r1, _ := testRegistry(t)
	r2, _ := testRegistry(t)
	for _, r := range []*BundleRegistry{r1, r2} {
		r.mu.Lock()
		r.entries[digest] = entry
		r.mu.Unlock()
	}

	assert.Equal(t, r1.Hash(), r2.Hash())
	assert.Len(t, r1.Hash(), 64)
}

func TestBundleRegistryMarkVerifiedAfterKeyRotation(t *testing.T) {
	registry, _ := testRegistry(t)
	data := []byte("archive")
	m, pubHex := signedBundle(t, "governance-core", "1.0.0", data, "release-key")
	registry.AddTrustedKey("release-key", pubHex)

	digest, err := registry.Publish(context.Background(), m, data, "ci")
	require.NoError(t, err)

	// Replace the trusted key after publish; re-verification must fail.
	_, rotated := testKeyPair(t)
	registry.AddTrustedKey("release-key", rotated)

	err = registry.MarkVerified(digest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature verification failed")
}
