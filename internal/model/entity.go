// Package model defines the entity types shared across the torii registry:
// servers, agents, scopes, embedding records, security scans, and the
// error taxonomy every component reports against.
package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EntityType discriminates the two registrable kinds.
type EntityType string

const (
	EntityServer EntityType = "server"
	EntityAgent  EntityType = "agent"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == EntityServer || t == EntityAgent
}

// Transport enumerates the upstream transports a registrable may support.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable-http"
	TransportSSE            Transport = "sse"
)

// DefaultNamespace is assumed when a request carries no namespace.
const DefaultNamespace = "default"

// Field length limits. These bound what flows into the embedding pipeline
// and the document store; oversized caller input is rejected, not truncated.
const (
	MaxPathLen        = 255
	MaxNameLen        = 200
	MaxDescriptionLen = 8 * 1024
	MaxTagLen         = 64
	MaxTags           = 32
	MaxNamespaceLen   = 63
)

// Tool is a single callable exposed by an MCP server.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Annotations map[string]any `json:"annotations,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
}

// Skill is a single capability advertised by an A2A agent.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// AuthProviderInfo describes the upstream's own auth requirements.
// Opaque to the registry; forwarded to proxy clients as-is.
type AuthProviderInfo struct {
	Provider string         `json:"provider"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Health is the supervisor-maintained subrecord on a registrable.
type Health struct {
	State               HealthState `json:"state"`
	LastProbeAt         *time.Time  `json:"last_probe_at,omitempty"`
	LastOKAt            *time.Time  `json:"last_ok_at,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
}

// HealthState is the supervisor state machine's current position.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthDisabled  HealthState = "disabled"
)

// Server is an MCP upstream registration. Path is the primary key within
// a (namespace, type) pair.
type Server struct {
	Path                string            `json:"path"`
	Name                string            `json:"name"`
	Description         string            `json:"description,omitempty"`
	ProxyURL            string            `json:"proxy_url"`
	SupportedTransports []Transport       `json:"supported_transports,omitempty"`
	Tags                []string          `json:"tags,omitempty"`
	Tools               []Tool            `json:"tools,omitempty"`
	Version             string            `json:"version,omitempty"`
	IsEnabled           bool              `json:"is_enabled"`
	AuthProvider        *AuthProviderInfo `json:"auth_provider_info,omitempty"`
	Health              Health            `json:"health"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Agent is an A2A endpoint registration. Identical shape to Server with
// skills in place of tools.
type Agent struct {
	Path                string            `json:"path"`
	Name                string            `json:"name"`
	Description         string            `json:"description,omitempty"`
	ProxyURL            string            `json:"proxy_url"`
	SupportedTransports []Transport       `json:"supported_transports,omitempty"`
	Tags                []string          `json:"tags,omitempty"`
	Skills              []Skill           `json:"skills,omitempty"`
	Version             string            `json:"version,omitempty"`
	IsEnabled           bool              `json:"is_enabled"`
	AuthProvider        *AuthProviderInfo `json:"auth_provider_info,omitempty"`
	Health              Health            `json:"health"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Registrable is the contract shared by Server and Agent. The index and the
// health supervisor operate on registrables without caring which kind they
// hold.
type Registrable interface {
	EntityPath() string
	EntityKind() EntityType
	DisplayName() string
	Describe() string
	TagList() []string
	Upstream() string
	Transports() []Transport
	Enabled() bool
	HealthRecord() Health
	Modified() time.Time
	// SearchText is the deterministic text blob fed to the embedder.
	SearchText() string
}

func (s Server) EntityPath() string      { return s.Path }
func (s Server) EntityKind() EntityType  { return EntityServer }
func (s Server) DisplayName() string     { return s.Name }
func (s Server) Describe() string        { return s.Description }
func (s Server) TagList() []string       { return s.Tags }
func (s Server) Upstream() string        { return s.ProxyURL }
func (s Server) Transports() []Transport { return s.SupportedTransports }
func (s Server) Enabled() bool           { return s.IsEnabled }
func (s Server) HealthRecord() Health    { return s.Health }
func (s Server) Modified() time.Time     { return s.UpdatedAt }

// SearchText concatenates name, description, tags, and tool names and
// descriptions in declaration order. The blob is the fingerprint the index
// compares against stored embedding records, so the order and separator
// must never change silently.
func (s Server) SearchText() string {
	var b strings.Builder
	writeBlobField(&b, s.Name)
	writeBlobField(&b, s.Description)
	for _, t := range s.Tags {
		writeBlobField(&b, t)
	}
	for _, t := range s.Tools {
		writeBlobField(&b, t.Name)
		writeBlobField(&b, t.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a Agent) EntityPath() string      { return a.Path }
func (a Agent) EntityKind() EntityType  { return EntityAgent }
func (a Agent) DisplayName() string     { return a.Name }
func (a Agent) Describe() string        { return a.Description }
func (a Agent) TagList() []string       { return a.Tags }
func (a Agent) Upstream() string        { return a.ProxyURL }
func (a Agent) Transports() []Transport { return a.SupportedTransports }
func (a Agent) Enabled() bool           { return a.IsEnabled }
func (a Agent) HealthRecord() Health    { return a.Health }
func (a Agent) Modified() time.Time     { return a.UpdatedAt }

// SearchText mirrors Server.SearchText with skills in place of tools.
func (a Agent) SearchText() string {
	var b strings.Builder
	writeBlobField(&b, a.Name)
	writeBlobField(&b, a.Description)
	for _, t := range a.Tags {
		writeBlobField(&b, t)
	}
	for _, sk := range a.Skills {
		writeBlobField(&b, sk.Name)
		writeBlobField(&b, sk.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeBlobField(b *strings.Builder, s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	b.WriteString(s)
	b.WriteByte('\n')
}

// ValidatePath checks that a registrable path is URL-safe: it must start
// with '/' and contain only unreserved characters and slashes.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: path must not be empty", ErrInvalid)
	}
	if len(path) > MaxPathLen {
		return fmt.Errorf("%w: path exceeds %d characters", ErrInvalid, MaxPathLen)
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: path must start with '/'", ErrInvalid)
	}
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '/' || c == '-' || c == '_' || c == '.':
		default:
			return fmt.Errorf("%w: path contains disallowed character %q", ErrInvalid, c)
		}
	}
	if strings.Contains(path, "//") || strings.Contains(path, "..") {
		return fmt.Errorf("%w: path must not contain empty or dot-dot segments", ErrInvalid)
	}
	return nil
}

// ValidateNamespace checks the short ASCII namespace identifier.
func ValidateNamespace(ns string) error {
	if ns == "" || len(ns) > MaxNamespaceLen {
		return fmt.Errorf("%w: namespace must be 1-%d characters", ErrInvalid, MaxNamespaceLen)
	}
	for i := 0; i < len(ns); i++ {
		c := ns[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			continue
		}
		return fmt.Errorf("%w: namespace contains disallowed character %q", ErrInvalid, c)
	}
	return nil
}

// ValidateTag checks a single tag. Tags must start with a lowercase letter
// and contain only lowercase alphanumerics, hyphens, and underscores.
func ValidateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("%w: tag must not be empty", ErrInvalid)
	}
	if len(tag) > MaxTagLen {
		return fmt.Errorf("%w: tag exceeds %d characters", ErrInvalid, MaxTagLen)
	}
	if tag[0] < 'a' || tag[0] > 'z' {
		return fmt.Errorf("%w: tag must start with a lowercase letter", ErrInvalid)
	}
	for i := 1; i < len(tag); i++ {
		c := tag[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			continue
		}
		return fmt.Errorf("%w: tag contains disallowed character %q", ErrInvalid, c)
	}
	return nil
}

// ValidateProxyURL ensures the upstream URL is absolute http(s) with no
// embedded credentials.
func ValidateProxyURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: proxy_url must not be empty", ErrInvalid)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: proxy_url: %v", ErrInvalid, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: proxy_url scheme must be http or https", ErrInvalid)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: proxy_url must be absolute", ErrInvalid)
	}
	if u.User != nil {
		return fmt.Errorf("%w: proxy_url must not embed credentials", ErrInvalid)
	}
	return nil
}

// ValidateServer checks a server registration before it reaches the store.
func ValidateServer(s Server) error {
	if err := ValidatePath(s.Path); err != nil {
		return err
	}
	if err := validateCommon(s.Name, s.Description, s.Tags, s.ProxyURL, s.SupportedTransports); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(s.Tools))
	for i, t := range s.Tools {
		if t.Name == "" {
			return fmt.Errorf("%w: tools[%d].name must not be empty", ErrInvalid, i)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("%w: duplicate tool name %q", ErrInvalid, t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

// ValidateAgent checks an agent registration before it reaches the store.
func ValidateAgent(a Agent) error {
	if err := ValidatePath(a.Path); err != nil {
		return err
	}
	if err := validateCommon(a.Name, a.Description, a.Tags, a.ProxyURL, a.SupportedTransports); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(a.Skills))
	for i, sk := range a.Skills {
		if sk.ID == "" {
			return fmt.Errorf("%w: skills[%d].id must not be empty", ErrInvalid, i)
		}
		if _, dup := seen[sk.ID]; dup {
			return fmt.Errorf("%w: duplicate skill id %q", ErrInvalid, sk.ID)
		}
		seen[sk.ID] = struct{}{}
	}
	return nil
}

func validateCommon(name, description string, tags []string, proxyURL string, transports []Transport) error {
	if name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalid)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalid, MaxNameLen)
	}
	if len(description) > MaxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d bytes", ErrInvalid, MaxDescriptionLen)
	}
	if len(tags) > MaxTags {
		return fmt.Errorf("%w: at most %d tags allowed", ErrInvalid, MaxTags)
	}
	for _, t := range tags {
		if err := ValidateTag(t); err != nil {
			return err
		}
	}
	if err := ValidateProxyURL(proxyURL); err != nil {
		return err
	}
	for _, tr := range transports {
		switch tr {
		case TransportStdio, TransportStreamableHTTP, TransportSSE:
		default:
			return fmt.Errorf("%w: unknown transport %q", ErrInvalid, tr)
		}
	}
	return nil
}
