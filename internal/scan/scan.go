// Package scan runs asynchronous security scans over newly registered
// entities. A scan is a set of static checks on the registration document
// itself (descriptions, upstream URL, tool surface); it never contacts the
// upstream. Scan records are retained after entity deletion for audit.
package scan

import (
	"regexp"
	"strings"

	"github.com/ashita-ai/torii/internal/model"
)

// Finding severities, ordered. A high or critical finding fails the scan.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Check codes.
const (
	CodeInsecureTransport     = "insecure-transport"
	CodeSuspiciousInstruction = "suspicious-instruction"
	CodeCredentialMaterial    = "credential-material"
	CodeOversizedToolSurface  = "oversized-tool-surface"
)

// injectionPatterns match instruction-override phrasing in descriptions.
// Tool and skill descriptions are forwarded verbatim to model contexts, so
// text that tries to steer the model is treated as an attack on callers.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|your)\s+(instructions|rules)`),
	regexp.MustCompile(`(?i)do\s+not\s+(tell|inform|alert)\s+the\s+user`),
	regexp.MustCompile(`(?i)reveal\s+(your\s+)?system\s+prompt`),
	regexp.MustCompile(`(?i)before\s+using\s+this\s+tool.{0,40}(read|send|forward)`),
	regexp.MustCompile(`(?i)<\s*(system|instructions?)\s*>`),
}

// credentialPatterns match secret material accidentally pasted into
// registration text.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9_\-\.]{20,}`),
	regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+)?PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)(api[_-]?key|secret)["'\s:=]+[a-z0-9_\-]{16,}`),
}

const maxToolSurface = 128

// Inspect runs every static check against a registration and returns the
// findings, possibly none.
func Inspect(reg model.Registrable) []model.ScanFinding {
	var findings []model.ScanFinding

	findings = append(findings, checkUpstream(reg.Upstream())...)
	findings = append(findings, checkText("", reg.DisplayName()+"\n"+reg.Describe())...)

	switch v := reg.(type) {
	case model.Server:
		if len(v.Tools) > maxToolSurface {
			findings = append(findings, model.ScanFinding{
				Code:     CodeOversizedToolSurface,
				Severity: SeverityMedium,
				Detail:   "server exposes an unusually large tool surface",
			})
		}
		for _, t := range v.Tools {
			findings = append(findings, checkText(t.Name, t.Description)...)
		}
	case model.Agent:
		for _, sk := range v.Skills {
			findings = append(findings, checkText(sk.ID, sk.Name+"\n"+sk.Description)...)
		}
	}
	return findings
}

// Verdict folds findings into a final status. Low and medium findings are
// advisory; high and critical fail the scan.
func Verdict(findings []model.ScanFinding) model.ScanStatus {
	for _, f := range findings {
		if f.Severity == SeverityHigh || f.Severity == SeverityCritical {
			return model.ScanFailed
		}
	}
	return model.ScanPassed
}

func checkUpstream(proxyURL string) []model.ScanFinding {
	if !strings.HasPrefix(proxyURL, "http://") {
		return nil
	}
	host := strings.TrimPrefix(proxyURL, "http://")
	if i := strings.IndexAny(host, ":/"); i >= 0 {
		host = host[:i]
	}
	severity := SeverityHigh
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		// Plaintext to loopback is a development setup, not an exposure.
		severity = SeverityLow
	}
	return []model.ScanFinding{{
		Code:     CodeInsecureTransport,
		Severity: severity,
		Detail:   "upstream is reached over plaintext http",
	}}
}

func checkText(tool, text string) []model.ScanFinding {
	var findings []model.ScanFinding
	for _, p := range injectionPatterns {
		if m := p.FindString(text); m != "" {
			findings = append(findings, model.ScanFinding{
				Code:     CodeSuspiciousInstruction,
				Severity: SeverityCritical,
				Detail:   "description contains instruction-override phrasing: " + strings.ToLower(m),
				Tool:     tool,
			})
			break
		}
	}
	for _, p := range credentialPatterns {
		if p.MatchString(text) {
			findings = append(findings, model.ScanFinding{
				Code:     CodeCredentialMaterial,
				Severity: SeverityHigh,
				Detail:   "description appears to contain secret material",
				Tool:     tool,
			})
			break
		}
	}
	return findings
}
