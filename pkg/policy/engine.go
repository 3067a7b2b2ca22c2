// Package policy provides the dynamic governance surface of the bus: a CEL
// rule engine for named, versioned rule sets, a client for the remote policy
// registry, and signed policy bundle distribution.
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"

	"github.com/acgs-project/agentbus/pkg/constitutional"
	"github.com/acgs-project/agentbus/pkg/messaging"
)

// Rule is one named boolean CEL expression. A message passes when the
// expression evaluates to true.
type Rule struct {
	Name        string `json:"name" yaml:"name"`
	Expr        string `json:"expr" yaml:"expr"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// RuleSet is a named, semver-versioned collection of rules.
type RuleSet struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	Rules   []Rule `json:"rules" yaml:"rules"`
}

// Engine evaluates messages against loaded rule sets. Expressions compile
// once into cost-limited programs; compile and eval failures are fail-closed.
type Engine struct {
	env      *cel.Env
	mu       sync.RWMutex
	sets     map[string]*RuleSet
	programs map[string]cel.Program // expr -> compiled program
	baseline []Rule
}

// NewEngine builds the evaluation environment. The baseline rules run before
// any loaded set and cannot be removed: every message must carry the fleet
// constitutional hash.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("message", cel.DynType),
		cel.Variable("tenant", cel.StringType),
		cel.Variable("constitutional_hash", cel.StringType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}

	e := &Engine{
		env:      env,
		sets:     make(map[string]*RuleSet),
		programs: make(map[string]cel.Program),
		baseline: []Rule{
			{
				Name: "constitutional_hash_match",
				Expr: fmt.Sprintf("message.constitutional_hash == %q", constitutional.Hash),
			},
			{
				Name: "message_id_present",
				Expr: `message.message_id != ""`,
			},
		},
	}
	for _, r := range e.baseline {
		if _, err := e.program(r.Expr); err != nil {
			return nil, fmt.Errorf("policy: baseline rule %s: %w", r.Name, err)
		}
	}
	return e, nil
}

// LoadRuleSet validates, compiles and installs a rule set. A set with the
// same name is replaced only by an equal or newer version.
func (e *Engine) LoadRuleSet(rs *RuleSet) error {
	if rs == nil || rs.Name == "" {
		return fmt.Errorf("policy: rule set needs a name")
	}
	version, err := semver.NewVersion(rs.Version)
	if err != nil {
		return fmt.Errorf("policy: rule set %s version %q: %w", rs.Name, rs.Version, err)
	}
	if len(rs.Rules) == 0 {
		return fmt.Errorf("policy: rule set %s has no rules", rs.Name)
	}

	// Compile everything before installing, so a bad rule cannot leave a
	// half-loaded set behind.
	for _, r := range rs.Rules {
		if r.Name == "" || r.Expr == "" {
			return fmt.Errorf("policy: rule set %s contains an unnamed or empty rule", rs.Name)
		}
		if _, err := e.program(r.Expr); err != nil {
			return fmt.Errorf("policy: rule %s/%s: %w", rs.Name, r.Name, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.sets[rs.Name]; ok {
		current, err := semver.NewVersion(existing.Version)
		if err == nil && version.LessThan(current) {
			return fmt.Errorf("policy: rule set %s downgrade %s -> %s rejected",
				rs.Name, existing.Version, rs.Version)
		}
	}
	e.sets[rs.Name] = rs
	return nil
}

// RemoveRuleSet drops a loaded set. Baseline rules are unaffected.
func (e *Engine) RemoveRuleSet(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sets, name)
}

// RuleSets lists loaded set names in sorted order.
func (e *Engine) RuleSets() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.sets))
	for name := range e.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EvaluateMessage runs the baseline and every loaded rule set against the
// message. The first failing rule denies; compile or runtime errors also
// deny. A passing run marks the result constitutionally valid.
func (e *Engine) EvaluateMessage(ctx context.Context, msg *messaging.AgentMessage) *constitutional.ValidationResult {
	input := map[string]any{
		"message":             messageInput(msg),
		"tenant":              msg.TenantID,
		"constitutional_hash": constitutional.Hash,
		"timestamp":           time.Now().Unix(),
	}

	for _, r := range e.baseline {
		if res := e.applyRule(ctx, "baseline", r, input); res != nil {
			return res
		}
	}

	e.mu.RLock()
	names := make([]string, 0, len(e.sets))
	for name := range e.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	sets := make([]*RuleSet, 0, len(names))
	for _, name := range names {
		sets = append(sets, e.sets[name])
	}
	e.mu.RUnlock()

	for _, rs := range sets {
		for _, r := range rs.Rules {
			if res := e.applyRule(ctx, rs.Name, r, input); res != nil {
				return res
			}
		}
	}

	result := constitutional.NewValid()
	result.SetMeta("policy_engine", "cel")
	return result
}

// applyRule returns a denial result if the rule denies or errors, nil when
// the rule passes.
func (e *Engine) applyRule(ctx context.Context, set string, r Rule, input map[string]any) *constitutional.ValidationResult {
	ok, err := e.eval(ctx, r.Expr, input)
	if err != nil {
		res := constitutional.NewInvalid(fmt.Sprintf("Policy rule '%s/%s' evaluation failed", set, r.Name))
		res.SetMeta("rule_error", err.Error())
		return res
	}
	if !ok {
		return constitutional.NewInvalid(fmt.Sprintf("Policy rule '%s/%s' denied message", set, r.Name))
	}
	return nil
}

// eval compiles on first use and evaluates with a hard cost ceiling.
func (e *Engine) eval(ctx context.Context, expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.ContextEval(ctx, input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.programs[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.programs[expr] = prg
	return prg, nil
}

// messageInput flattens the fields rules are allowed to see.
func messageInput(msg *messaging.AgentMessage) map[string]any {
	return map[string]any{
		"message_id":          msg.MessageID,
		"from_agent":          msg.FromAgent,
		"to_agent":            msg.ToAgent,
		"sender_id":           msg.SenderID,
		"message_type":        string(msg.Type),
		"priority":            string(msg.Priority),
		"tenant_id":           msg.TenantID,
		"constitutional_hash": msg.ConstitutionalHash,
		"content":             msg.Content,
		"payload":             msg.Payload,
	}
}
