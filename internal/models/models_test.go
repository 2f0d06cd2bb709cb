package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		label string
		want  Role
	}{
		{"user", RoleUser},
		{"assistant", RoleAssistant},
		{"system", RoleSystem},
		{"function", RoleFunction},
		{"tool", RoleTool},
		{"SYSTEM", RoleSystem},
		{"Assistant", RoleAssistant},
		{" tool ", RoleTool},
		{"", RoleUser},
		{"moderator", RoleUser},
		{"users", RoleUser},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			require.Equal(t, tt.want, ParseRole(tt.label))
		})
	}
}

func TestParseRoleIsStable(t *testing.T) {
	labels := []string{"", "user", "ASSISTANT", "System", "function", "tool", "narrator"}
	for _, label := range labels {
		once := ParseRole(label)
		require.Equal(t, once, ParseRole(string(once)), "label %q", label)
		require.Equal(t, once, ParseRole(DisplayRole(string(once))), "label %q", label)
	}

	for _, role := range Roles() {
		require.Equal(t, role, ParseRole(string(role)))
	}
}

func TestDisplayRole(t *testing.T) {
	require.Equal(t, "System", DisplayRole("system"))
	require.Equal(t, "User", DisplayRole("USER"))
	require.Equal(t, "Narrator", DisplayRole("nArRaToR"))
	require.Equal(t, "", DisplayRole(""))
	require.Equal(t, "Élan", DisplayRole("éLAN"))
}

func TestParseRoleIgnoresSurroundingWhitespace(t *testing.T) {
	require.Equal(t, RoleSystem, ParseRole(" system "))
	require.Equal(t, RoleTool, ParseRole("\tTOOL\n"))
	require.Equal(t, RoleUser, ParseRole("sys tem"))
}
