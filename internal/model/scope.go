package model

import (
	"fmt"
	"time"
)

// Wildcard matches any server path or tool name inside a permission entry.
const Wildcard = "*"

// EntityScopeRecord tags scope mutations on the change bus. Scopes are not
// registrable (EntityType.Valid is false for this value); the tag only lets
// the policy watcher pick its events out of the stream.
const EntityScopeRecord EntityType = "scope"

// Method enumerates the operation classes a permission may grant.
type Method string

const (
	MethodInvoke Method = "invoke"
	MethodList   Method = "list"
	MethodAdmin  Method = "admin"
)

// Permission is a single grant entry inside a scope record: which server,
// which methods, and which tools within it. An absent list grants nothing;
// the literal "*" grants everything for that dimension.
type Permission struct {
	Server  string   `json:"server"`
	Methods []string `json:"methods,omitempty"`
	Tools   []string `json:"tools,omitempty"`
}

// Scope is a named set of permissions granted by membership in a group of
// the same name (e.g. "mcp-servers-unrestricted/read").
type Scope struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ValidateScope checks a scope record before it reaches the store.
// Permission server paths are allowed to reference entities that do not
// exist yet; evaluation denies against missing targets.
func ValidateScope(s Scope) error {
	if s.Name == "" {
		return fmt.Errorf("%w: scope name must not be empty", ErrInvalid)
	}
	if len(s.Name) > MaxNameLen {
		return fmt.Errorf("%w: scope name exceeds %d characters", ErrInvalid, MaxNameLen)
	}
	for i, p := range s.Permissions {
		if p.Server == "" {
			return fmt.Errorf("%w: permissions[%d].server must not be empty", ErrInvalid, i)
		}
		if p.Server != Wildcard {
			if err := ValidatePath(p.Server); err != nil {
				return fmt.Errorf("permissions[%d]: %w", i, err)
			}
		}
	}
	return nil
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allow  bool       `json:"allow"`
	Reason DenyReason `json:"reason,omitempty"`
}

// DenyReason explains why an operation was denied.
type DenyReason string

const (
	DenyNoGroups         DenyReason = "no-groups"
	DenyNoMatchingServer DenyReason = "no-matching-server"
	DenyMethodExcluded   DenyReason = "method-excluded"
	DenyToolExcluded     DenyReason = "tool-excluded"
)

// Identity is the verified caller: subject, best-effort username, and the
// group claims the policy engine evaluates against.
type Identity struct {
	Subject  string   `json:"sub"`
	Username string   `json:"preferred_username,omitempty"`
	Groups   []string `json:"groups"`
}

// Operation is the triple a caller wants authorized.
type Operation struct {
	ServicePath string `json:"service_path"`
	Method      Method `json:"method"`
	Tool        string `json:"tool,omitempty"`
}
