package scopes

import (
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/torii/internal/model"
)

// scopeFile is the canonical permission-centric seed file shape.
type scopeFile struct {
	Scopes []model.Scope `json:"scopes"`
}

// legacyFile is the older group-centric shape: permissions nested under a
// "groups" list with "access" entries. Still produced by older tooling, so
// it can be accepted behind a config flag and converted on load.
type legacyFile struct {
	Groups []struct {
		Name   string `json:"name"`
		Access []struct {
			Server  string   `json:"server"`
			Methods []string `json:"methods"`
			Tools   []string `json:"tools"`
		} `json:"access"`
	} `json:"groups"`
}

// ParseFile decodes a scope seed file. The canonical form has a top-level
// "scopes" list; when acceptLegacy is set, a top-level "groups" list is
// converted to the canonical form instead of being rejected.
func ParseFile(data []byte, acceptLegacy bool) ([]model.Scope, error) {
	var canonical scopeFile
	if err := json.Unmarshal(data, &canonical); err != nil {
		return nil, fmt.Errorf("scopes: parse seed file: %w", err)
	}
	if len(canonical.Scopes) > 0 {
		for _, s := range canonical.Scopes {
			if err := model.ValidateScope(s); err != nil {
				return nil, fmt.Errorf("scopes: seed scope %q: %w", s.Name, err)
			}
		}
		return canonical.Scopes, nil
	}

	var legacy legacyFile
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("scopes: parse seed file: %w", err)
	}
	if len(legacy.Groups) == 0 {
		return nil, nil
	}
	if !acceptLegacy {
		return nil, fmt.Errorf("scopes: %w: seed file uses the legacy group-centric form, set scopes accept_legacy to load it", model.ErrInvalid)
	}

	out := make([]model.Scope, 0, len(legacy.Groups))
	for _, g := range legacy.Groups {
		sc := model.Scope{Name: g.Name}
		for _, a := range g.Access {
			sc.Permissions = append(sc.Permissions, model.Permission{
				Server:  a.Server,
				Methods: a.Methods,
				Tools:   a.Tools,
			})
		}
		if err := model.ValidateScope(sc); err != nil {
			return nil, fmt.Errorf("scopes: seed group %q: %w", g.Name, err)
		}
		out = append(out, sc)
	}
	return out, nil
}
