package policy

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs-project/agentbus/pkg/constitutional"
)

const testRevision = "0123456789abcdef0123456789abcdef01234567"

func testKeyPair(t *testing.T) (ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv, hex.EncodeToString(pub)
}

func TestNewManifestDefaults(t *testing.T) {
	m := NewManifest("governance-core", "1.0.0", testRevision)

	assert.Equal(t, constitutional.Hash, m.ConstitutionalHash)
	assert.Equal(t, []string{"acgs/governance"}, m.Roots)
	assert.NotEmpty(t, m.Timestamp)
	require.NoError(t, m.Validate())
}

func TestManifestValidateForeignHash(t *testing.T) {
	m := NewManifest("governance-core", "1.0.0", testRevision)
	m.ConstitutionalHash = "deadbeefdeadbeef"

	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "foreign constitutional hash")
	assert.Contains(t, err.Error(), "deadbeef…")
}

func TestManifestValidateBadRevision(t *testing.T) {
	for _, revision := range []string{"", "abc", strings.Repeat("g", 40), strings.Repeat("a", 39)} {
		m := NewManifest("governance-core", "1.0.0", revision)
		assert.Error(t, m.Validate(), "revision %q", revision)
	}
}

func TestManifestValidateBadVersion(t *testing.T) {
	m := NewManifest("governance-core", "not-semver", testRevision)
	assert.Error(t, m.Validate())
}

func TestManifestSignVerify(t *testing.T) {
	priv, pubHex := testKeyPair(t)

	m := NewManifest("governance-core", "1.0.0", testRevision)
	require.NoError(t, m.Sign(priv, "release-key"))
	require.Len(t, m.Signatures, 1)
	assert.Equal(t, "ed25519", m.Signatures[0].Alg)
	assert.Equal(t, "release-key", m.Signatures[0].KeyID)

	ok, err := m.VerifySignature(pubHex)
	require.NoError(t, err)
	assert.True(t, ok)

	// A different key does not verify.
	_, otherHex := testKeyPair(t)
	ok, err = m.VerifySignature(otherHex)
	require.NoError(t, err)
	assert.False(t, ok)

	// Tampering after signing invalidates.
	m.Revision = strings.Repeat("b", 40)
	ok, err = m.VerifySignature(pubHex)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManifestSecondSignatureKeepsFirstValid(t *testing.T) {
	priv1, pub1 := testKeyPair(t)
	priv2, pub2 := testKeyPair(t)

	m := NewManifest("governance-core", "1.0.0", testRevision)
	require.NoError(t, m.Sign(priv1, "key-1"))
	require.NoError(t, m.Sign(priv2, "key-2"))
	require.Len(t, m.Signatures, 2)

	// Signing content excludes signatures, so both still verify.
	ok, err := m.VerifySignature(pub1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.VerifySignature(pub2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManifestVerifyWithoutSignatures(t *testing.T) {
	_, pubHex := testKeyPair(t)
	m := NewManifest("governance-core", "1.0.0", testRevision)

	ok, err := m.VerifySignature(pubHex)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManifestVerifyBadPublicKey(t *testing.T) {
	priv, _ := testKeyPair(t)
	m := NewManifest("governance-core", "1.0.0", testRevision)
	require.NoError(t, m.Sign(priv, "k"))

	_, err := m.VerifySignature("not-hex")
	assert.Error(t, err)

	_, err = m.VerifySignature("abcd") // wrong length
	assert.Error(t, err)
}

func TestManifestDigestCoversSignatures(t *testing.T) {
	priv, _ := testKeyPair(t)
	m := NewManifest("governance-core", "1.0.0", testRevision)

	before, err := m.Digest()
	require.NoError(t, err)

	require.NoError(t, m.Sign(priv, "k"))
	after, err := m.Digest()
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
	assert.Len(t, after, 64)
}

func TestManifestAttachContent(t *testing.T) {
	m := NewManifest("governance-core", "1.0.0", testRevision)
	m.AttachContent([]byte("bundle-bytes"))

	hash, ok := m.Metadata["content_hash"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(hash, "sha256:"))
	assert.Len(t, hash, len("sha256:")+64)
}
