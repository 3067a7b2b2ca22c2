package bus

import (
	"crypto"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// AgentClaims is the registration token payload. The subject doubles as
// the agent id when the explicit claim is absent.
type AgentClaims struct {
	AgentID      string   `json:"agent_id"`
	TenantID     string   `json:"tenant_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	jwt.RegisteredClaims
}

func (c *AgentClaims) agentID() string {
	if c.AgentID != "" {
		return c.AgentID
	}
	return c.Subject
}

// TokenVerifier checks registration tokens against the configured public
// key. Asymmetric algorithms only; HMAC tokens are rejected outright.
type TokenVerifier struct {
	key     crypto.PublicKey
	methods []string
}

// NewTokenVerifier builds a verifier for the given public key.
func NewTokenVerifier(key crypto.PublicKey) *TokenVerifier {
	return &TokenVerifier{
		key:     key,
		methods: []string{"EdDSA", "ES256", "RS256"},
	}
}

// Verify parses and validates the token, returning its claims.
func (v *TokenVerifier) Verify(tokenString string) (*AgentClaims, error) {
	claims := &AgentClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods(v.methods))
	if err != nil {
		return nil, fmt.Errorf("registration token rejected: %w", err)
	}
	return claims, nil
}
