// spawn-agent is a developer utility that registers an agent in the
// shared Redis registry so a running daemon can route to it.
//
//	spawn-agent <type> <name> [--capabilities search,summarise]
//
// It prints a JSON summary on stdout and exits non-zero on failure.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/acgs-project/agentbus/pkg/registry"
)

type spawnResult struct {
	Success      bool     `json:"success"`
	AgentID      string   `json:"agentId"`
	AgentType    string   `json:"agentType"`
	Capabilities []string `json:"capabilities"`
	Error        string   `json:"error,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	agentType, name, capabilities, err := parseArgs(args)
	if err != nil {
		emit(spawnResult{Success: false, Error: err.Error()})
		fmt.Fprintf(os.Stderr, "usage: spawn-agent <type> <name> [--capabilities a,b,c]\n")
		return 1
	}

	result := spawnResult{
		AgentID:      name,
		AgentType:    agentType,
		Capabilities: capabilities,
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}
	reg, err := registry.NewRedisRegistry(redisURL, 5*time.Second)
	if err != nil {
		result.Error = err.Error()
		emit(result)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = reg.Register(ctx, &registry.AgentRecord{
		AgentID:      name,
		AgentType:    agentType,
		Capabilities: capabilities,
		TenantID:     os.Getenv("TENANT_ID"),
		Metadata:     map[string]any{"spawned_by": "spawn-agent"},
	})
	if err != nil {
		result.Error = err.Error()
		emit(result)
		return 1
	}

	result.Success = true
	emit(result)
	return 0
}

func parseArgs(args []string) (agentType, name string, capabilities []string, err error) {
	var positional []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--capabilities":
			if i+1 >= len(args) {
				return "", "", nil, fmt.Errorf("--capabilities requires a value")
			}
			i++
			capabilities = splitCapabilities(args[i])
		case strings.HasPrefix(args[i], "--capabilities="):
			capabilities = splitCapabilities(strings.TrimPrefix(args[i], "--capabilities="))
		default:
			positional = append(positional, args[i])
		}
	}
	if len(positional) != 2 {
		return "", "", nil, fmt.Errorf("expected <type> <name>, got %d arguments", len(positional))
	}
	return positional[0], positional[1], capabilities, nil
}

func splitCapabilities(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func emit(r spawnResult) {
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(r)
}
