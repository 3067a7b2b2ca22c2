package guardrails

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/tetratelabs/wazero"
	wasi "github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// SandboxConfig bounds tool execution.
type SandboxConfig struct {
	Enabled          bool
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
	MaxOutputBytes   int
}

// DefaultSandboxConfig caps tools at 64 MB and 2 seconds of wall time.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Enabled:          true,
		MemoryLimitBytes: 64 << 20,
		CPUTimeLimit:     2 * time.Second,
		MaxOutputBytes:   1 << 20,
	}
}

// escapeIndicators are content patterns suggesting a tool payload is trying
// to break out of its isolation.
var escapeIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/proc/self`),
	regexp.MustCompile(`(?i)ptrace|process_vm_(read|write)v`),
	regexp.MustCompile(`(?i)LD_PRELOAD|LD_LIBRARY_PATH`),
	regexp.MustCompile(`(?i)docker\.sock|/var/run/docker`),
	regexp.MustCompile(`(?i)kubectl\s+exec|nsenter\b`),
	regexp.MustCompile(`(?i)mount\s+(-o\s+)?(bind|remount)`),
}

// SandboxLayer is pipeline layer 4. Tool payloads run as WASI modules in a
// deny-by-default wazero runtime: no filesystem, no network, no ambient
// environment. Requests without a tool payload pass through.
type SandboxLayer struct {
	cfg SandboxConfig
}

// NewSandboxLayer builds the layer.
func NewSandboxLayer(cfg SandboxConfig) *SandboxLayer {
	if cfg.CPUTimeLimit <= 0 {
		cfg.CPUTimeLimit = 2 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	return &SandboxLayer{cfg: cfg}
}

func (s *SandboxLayer) Name() string { return "tool_sandbox" }

func (s *SandboxLayer) Check(ctx context.Context, req *Request) (*LayerResult, error) {
	lr := &LayerResult{Layer: s.Name(), Action: ActionAllow}

	for _, re := range escapeIndicators {
		if re.MatchString(req.Content) {
			lr.Action = ActionBlock
			lr.Violations = append(lr.Violations, Violation{
				Layer:    s.Name(),
				Rule:     "sandbox_escape_indicator",
				Severity: SeverityCritical,
				Detail:   fmt.Sprintf("pattern %q matched", re.String()),
			})
			return lr, nil
		}
	}

	if len(req.ToolWasm) == 0 {
		return lr, nil
	}
	if !s.cfg.Enabled {
		lr.Action = ActionBlock
		lr.Violations = append(lr.Violations, Violation{
			Layer:    s.Name(),
			Rule:     "sandbox_disabled",
			Severity: SeverityHigh,
			Detail:   "tool payload present but sandbox execution is disabled",
		})
		return lr, nil
	}

	output, err := s.run(ctx, req.ToolWasm, req.ToolInput)
	if err != nil {
		lr.Action = ActionBlock
		lr.Violations = append(lr.Violations, Violation{
			Layer:    s.Name(),
			Rule:     "sandbox_execution_failed",
			Severity: SeverityHigh,
			Detail:   err.Error(),
		})
		return lr, nil
	}

	lr.Action = ActionSandbox
	lr.Metadata = map[string]any{
		"tool_output_bytes": len(output),
		"tool_output":       string(output),
	}
	return lr, nil
}

// run compiles and executes one wasm module with stdin/stdout as the only
// I/O channels. Memory is capped in 64 KiB pages; wall time by deadline.
func (s *SandboxLayer) run(ctx context.Context, wasm, input []byte) ([]byte, error) {
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, s.cfg.CPUTimeLimit)
	defer cancel()

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if s.cfg.MemoryLimitBytes > 0 {
		pages := uint32(s.cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	defer func() { _ = rt.Close(ctx) }()
	wasi.MustInstantiate(ctx, rt)

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("acgs2-tool").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile tool: %w", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("sandbox: tool exceeded %v time limit", s.cfg.CPUTimeLimit)
		}
		return nil, fmt.Errorf("sandbox: instantiate tool: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	if stdout.Len() > s.cfg.MaxOutputBytes {
		return nil, fmt.Errorf("sandbox: tool output %d bytes exceeds cap %d", stdout.Len(), s.cfg.MaxOutputBytes)
	}
	if stderr.Len() > 0 {
		return stdout.Bytes(), fmt.Errorf("sandbox: tool wrote to stderr: %s", stderr.String())
	}
	return stdout.Bytes(), nil
}
