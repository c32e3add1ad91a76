// Package scopes evaluates group-based permissions. The evaluator is pure:
// it runs against an immutable table snapshot, and a watcher swaps the
// snapshot whenever a scope record changes in the store.
package scopes

import (
	"github.com/ashita-ai/torii/internal/model"
)

// DefaultAdminScope is the group name that grants full access. Any group
// matching it carries a synthetic {server:*, methods:*, tools:*} permission
// that never appears in a stored record, so an operator cannot demote
// themselves by editing scope data.
const DefaultAdminScope = "mcp-registry-admin"

// Table is an immutable scope snapshot keyed by scope name. Build one with
// NewTable; never mutate it after handing it to an evaluator.
type Table struct {
	scopes     map[string]model.Scope
	adminScope string
}

// NewTable builds a snapshot from scope records. adminScope names the
// synthetic full-access group (DefaultAdminScope when empty).
func NewTable(records []model.Scope, adminScope string) *Table {
	if adminScope == "" {
		adminScope = DefaultAdminScope
	}
	m := make(map[string]model.Scope, len(records))
	for _, s := range records {
		m[s.Name] = s
	}
	return &Table{scopes: m, adminScope: adminScope}
}

// Len reports the number of scope records in the snapshot.
func (t *Table) Len() int { return len(t.scopes) }

// Evaluate decides whether the identity may perform the operation. Granted
// permissions are the union across every scope named in the identity's
// groups; one matching entry allows. The deny reason reports the furthest
// match stage any entry reached.
func (t *Table) Evaluate(id model.Identity, op model.Operation) model.Decision {
	if len(id.Groups) == 0 {
		return model.Decision{Reason: model.DenyNoGroups}
	}

	reason := model.DenyNoMatchingServer
	for _, group := range id.Groups {
		if group == t.adminScope {
			return model.Decision{Allow: true}
		}
		sc, ok := t.scopes[group]
		if !ok {
			continue
		}
		for _, perm := range sc.Permissions {
			switch matchPermission(perm, op) {
			case matchAllow:
				return model.Decision{Allow: true}
			case matchMethodExcluded:
				if reason == model.DenyNoMatchingServer {
					reason = model.DenyMethodExcluded
				}
			case matchToolExcluded:
				reason = model.DenyToolExcluded
			}
		}
	}
	return model.Decision{Reason: reason}
}

type matchOutcome int

const (
	matchNoServer matchOutcome = iota
	matchMethodExcluded
	matchToolExcluded
	matchAllow
)

// matchPermission checks one entry against the operation. When the
// operation names a tool, the tool check runs before the method check so a
// denied tool invocation always reports tool-excluded, regardless of which
// dimension the entry was missing.
func matchPermission(perm model.Permission, op model.Operation) matchOutcome {
	if perm.Server != model.Wildcard && perm.Server != op.ServicePath {
		return matchNoServer
	}
	if op.Tool != "" && !contains(perm.Tools, op.Tool) {
		return matchToolExcluded
	}
	if !contains(perm.Methods, string(op.Method)) {
		return matchMethodExcluded
	}
	return matchAllow
}

// contains reports whether list holds v or the wildcard. An empty list
// grants nothing.
func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v || item == model.Wildcard {
			return true
		}
	}
	return false
}
