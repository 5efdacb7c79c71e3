package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{}, "test")
	require.NotNil(t, s)
	assert.NotNil(t, s.MCPServer())
	assert.NotNil(t, s.logger)
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"hitl.pending", "List human-in-the-loop requests"},
		{"hitl.status", "Get an execution with its live request and event timeline"},
		{"hitl.respond", "Deliver a human response to a waiting execution"},
		{"hitl.cancel", "Cancel an execution and resolve its pending request"},
	}

	s := NewServer(ServerDeps{}, "test")
	require.Len(t, s.MCPServer().ListTools(), len(tests))

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.MCPServer().GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
