package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	agentType, name, capabilities, err := parseArgs([]string{
		"worker", "worker-1", "--capabilities", "search,summarise",
	})
	require.NoError(t, err)
	assert.Equal(t, "worker", agentType)
	assert.Equal(t, "worker-1", name)
	assert.Equal(t, []string{"search", "summarise"}, capabilities)
}

func TestParseArgsEqualsForm(t *testing.T) {
	_, _, capabilities, err := parseArgs([]string{
		"worker", "worker-1", "--capabilities=a, b,,c",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, capabilities)
}

func TestParseArgsErrors(t *testing.T) {
	_, _, _, err := parseArgs([]string{"worker"})
	assert.Error(t, err, "missing name")

	_, _, _, err = parseArgs([]string{"worker", "w1", "--capabilities"})
	assert.Error(t, err, "dangling flag")

	_, _, _, err = parseArgs([]string{"a", "b", "c"})
	assert.Error(t, err, "too many positionals")
}
