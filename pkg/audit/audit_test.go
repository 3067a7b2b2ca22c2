package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs-project/agentbus/pkg/constitutional"
)

func sampleEntry() *constitutional.DecisionLog {
	return &constitutional.DecisionLog{
		TraceID:            "0123456789abcdef0123456789abcdef",
		SpanID:             "0123456789abcdef",
		AgentID:            "agent-a",
		TenantID:           "t1",
		PolicyVersion:      constitutional.PolicyVersion,
		RiskScore:          0.25,
		Decision:           constitutional.DecisionAllow,
		ConstitutionalHash: constitutional.Hash,
		ComplianceTags:     []string{"constitutional_validated", "approved"},
		Timestamp:          time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRecordPostsEntry(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/record", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{"entry_hash": "abc123"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	hash, err := c.Record(context.Background(), sampleEntry())
	require.NoError(t, err)
	assert.Equal(t, "abc123", hash)
	assert.Equal(t, "t1", got["tenant_id"])
	assert.Equal(t, "ALLOW", got["decision"])
	assert.Equal(t, constitutional.Hash, got["constitutional_hash"])
}

func TestRecordSimulatesOnOutage(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", WithTimeout(50*time.Millisecond))
	entry := sampleEntry()

	hash, err := c.Record(context.Background(), entry)
	require.NoError(t, err, "ledger failures must never surface")
	assert.True(t, strings.HasPrefix(hash, "sim:"))

	// Deterministic: the same entry simulates to the same hash.
	again, err := c.Record(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats["entries_failed"])
}

func TestRecordSimulatesWithoutURL(t *testing.T) {
	c := NewClient("")
	hash, err := c.Record(context.Background(), sampleEntry())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "sim:"))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	for i := 0; i < 5; i++ {
		_, err := c.Record(context.Background(), sampleEntry())
		require.NoError(t, err)
	}
	// After three consecutive failures the breaker is open and later calls
	// never reach the ledger.
	assert.Equal(t, int64(3), hits.Load())
	assert.Equal(t, "open", c.Stats()["breaker_state"])
}

func TestSignerDeterministicPerTenant(t *testing.T) {
	seed := make([]byte, 32)
	copy(seed, []byte("0123456789abcdef0123456789abcdef"))
	s1, err := NewSigner(seed)
	require.NoError(t, err)
	s2, err := NewSigner(seed)
	require.NoError(t, err)

	entry := sampleEntry()
	sig, err := s1.SignEntry(entry)
	require.NoError(t, err)

	ok, err := s2.Verify(entry, sig)
	require.NoError(t, err)
	assert.True(t, ok, "signature from the same seed must verify")

	// A different tenant derives a different key.
	other := sampleEntry()
	other.TenantID = "t2"
	otherSig, err := s1.SignEntry(other)
	require.NoError(t, err)
	assert.NotEqual(t, sig, otherSig)

	k1, err := s1.PublicKey("t1")
	require.NoError(t, err)
	k2, err := s1.PublicKey("t2")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestSignedEntryIncludedInPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{"entry_hash": "abc"})
	}))
	defer srv.Close()

	signer, err := NewEphemeralSigner()
	require.NoError(t, err)
	c := NewClient(srv.URL, WithSigner(signer))

	_, err = c.Record(context.Background(), sampleEntry())
	require.NoError(t, err)
	sig, ok := got["signature"].(string)
	require.True(t, ok, "payload must carry a signature")
	assert.NotEmpty(t, sig)
}
