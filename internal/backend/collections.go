package backend

import (
	"fmt"
	"strings"
)

// Collection name builders for the persisted layout. Every collection is
// suffixed with the namespace, which gives tenant isolation at the storage
// layer; embeddings additionally carry the vector dimension so models with
// different output sizes never share an index.

// ServersCollection names the server collection for a namespace.
func ServersCollection(ns string) string { return "registry.servers." + ns }

// AgentsCollection names the agent collection for a namespace.
func AgentsCollection(ns string) string { return "registry.agents." + ns }

// ScopesCollection names the scope collection for a namespace.
func ScopesCollection(ns string) string { return "registry.scopes." + ns }

// ScansCollection names the security-scan collection for a namespace.
func ScansCollection(ns string) string { return "registry.scans." + ns }

// EmbeddingsCollection names the embedding collection for a namespace and
// vector dimension.
func EmbeddingsCollection(ns string, dim int) string {
	return fmt.Sprintf("registry.embeddings.%s.d%d", ns, dim)
}

// TableName maps a collection name to a SQL identifier. Dots become
// underscores; anything outside [a-z0-9_] is rejected so collection names
// can never smuggle SQL.
func TableName(collection string) (string, error) {
	name := strings.ReplaceAll(collection, ".", "_")
	if name == "" || len(name) > 128 {
		return "", fmt.Errorf("backend: invalid collection name %q", collection)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return "", fmt.Errorf("backend: invalid collection name %q", collection)
	}
	return strings.ReplaceAll(name, "-", "_"), nil
}
