package models

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Role is one of the canonical conversation roles understood by the
// structured backend.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleFunction  Role = "function"
	RoleTool      Role = "tool"
)

// DefaultRole is used for empty or unrecognised role labels.
const DefaultRole = RoleUser

var canonicalRoles = map[string]Role{
	"user":      RoleUser,
	"assistant": RoleAssistant,
	"system":    RoleSystem,
	"function":  RoleFunction,
	"tool":      RoleTool,
}

// Message represents a single conversational message as supplied by the caller.
// Role is the caller's free-text label and is never stored canonicalised.
type Message struct {
	Role    string
	Content string
}

// ParseRole maps a free-text role label onto a canonical role. Matching is
// case-insensitive; anything unknown maps to DefaultRole.
func ParseRole(label string) Role {
	role, ok := canonicalRoles[strings.ToLower(strings.TrimSpace(label))]
	if !ok {
		return DefaultRole
	}
	return role
}

// Roles lists the canonical roles in a stable order.
func Roles() []Role {
	return []Role{RoleUser, RoleAssistant, RoleSystem, RoleFunction, RoleTool}
}

// DisplayRole renders a role label for transcript prompts: the first letter is
// upper-cased and the remainder lower-cased. The label is not canonicalised.
func DisplayRole(label string) string {
	if label == "" {
		return ""
	}
	first, size := utf8.DecodeRuneInString(label)
	return string(unicode.ToUpper(first)) + strings.ToLower(label[size:])
}
