package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TenantProfile carries per-tenant governance overrides. Tenants without a
// profile run on the global Config values.
type TenantProfile struct {
	Name         string                    `yaml:"name" json:"name"`
	TenantID     string                    `yaml:"tenant_id" json:"tenant_id"`
	PIIMode      string                    `yaml:"pii_mode,omitempty" json:"pii_mode,omitempty"` // "audit" | "redact"
	Compliance   []string                  `yaml:"compliance,omitempty" json:"compliance,omitempty"`
	Guardrails   TenantGuardrailOverrides  `yaml:"guardrails" json:"guardrails"`
	Deliberation TenantDeliberationTuning  `yaml:"deliberation" json:"deliberation"`
	Transport    TenantTransportConstraint `yaml:"transport" json:"transport"`
}

// TenantGuardrailOverrides narrows the safety pipeline for one tenant.
// Zero values mean "inherit".
type TenantGuardrailOverrides struct {
	RequestsPerMinute int   `yaml:"requests_per_minute,omitempty" json:"requests_per_minute,omitempty"`
	BurstLimit        int   `yaml:"burst_limit,omitempty" json:"burst_limit,omitempty"`
	FailClosed        *bool `yaml:"fail_closed,omitempty" json:"fail_closed,omitempty"`
	MaxContentBytes   int   `yaml:"max_content_bytes,omitempty" json:"max_content_bytes,omitempty"`
}

// TenantDeliberationTuning narrows the review thresholds for one tenant.
type TenantDeliberationTuning struct {
	RequiredThreshold float64 `yaml:"required_threshold,omitempty" json:"required_threshold,omitempty"`
	RequiredVotes     int     `yaml:"required_votes,omitempty" json:"required_votes,omitempty"`
}

// TenantTransportConstraint restricts which transports a tenant may use.
type TenantTransportConstraint struct {
	Mode      string   `yaml:"mode,omitempty" json:"mode,omitempty"` // "any" | "local_only" | "allowlist"
	Allowlist []string `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
}

// LoadTenantProfile loads profile_<tenant>.yaml from the profiles directory.
func LoadTenantProfile(profilesDir, tenantID string) (*TenantProfile, error) {
	tenantID = strings.ToLower(tenantID)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", tenantID))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tenant profile %q: %w", tenantID, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse tenant profile %q: %w", tenantID, err)
	}

	if profile.TenantID == "" {
		profile.TenantID = tenantID
	}

	return &profile, nil
}

// LoadAllTenantProfiles loads every profile_*.yaml from the directory.
func LoadAllTenantProfiles(profilesDir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TenantProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.TenantID == "" {
			base := filepath.Base(path)
			profile.TenantID = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.TenantID] = &profile
	}

	return profiles, nil
}

// LocalOnly reports whether the tenant is pinned to in-process transport.
func (p *TenantProfile) LocalOnly() bool {
	return p.Transport.Mode == "local_only"
}

// TransportAllowed checks a transport name ("local", "kafka", "redis")
// against the tenant's constraint.
func (p *TenantProfile) TransportAllowed(name string) bool {
	switch p.Transport.Mode {
	case "local_only":
		return name == "local"
	case "allowlist":
		for _, t := range p.Transport.Allowlist {
			if t == name {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// EffectiveThreshold resolves the deliberation threshold for this tenant,
// falling back to the global default when unset.
func (p *TenantProfile) EffectiveThreshold(global float64) float64 {
	if p.Deliberation.RequiredThreshold > 0 {
		return p.Deliberation.RequiredThreshold
	}
	return global
}
