package storage

import (
	"path/filepath"
	"strings"
)

// detectFileType classifies an object based on its path and filename.
// Returns one of: attractor, manifest, spec, patch, log, doc, or empty string.
func detectFileType(path string) string {
	base := filepath.Base(path)
	dir := filepath.Dir(path)

	if strings.HasSuffix(base, ".dot") {
		return "attractor"
	}
	if base == "manifest.json" {
		return "manifest"
	}

	// Spec bundle members
	if strings.Contains(dir, "spec-bundles/") || strings.HasPrefix(path, "spec-bundles/") {
		return "spec"
	}

	if strings.HasSuffix(base, ".diff") || strings.HasSuffix(base, ".patch") {
		return "patch"
	}
	if strings.HasSuffix(base, ".log") {
		return "log"
	}
	if strings.HasSuffix(base, ".md") || strings.HasSuffix(base, ".txt") ||
		strings.HasSuffix(base, ".rst") || base == "README" {
		return "doc"
	}

	return ""
}

// detectContentType returns the MIME type for an object based on its extension.
func detectContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".dot", ".gv":
		return "text/vnd.graphviz"
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/x-yaml"
	case ".md":
		return "text/markdown"
	case ".txt", ".log":
		return "text/plain"
	case ".diff", ".patch":
		return "text/x-diff"
	case ".toml":
		return "application/toml"
	case ".sh":
		return "application/x-sh"
	default:
		return "application/octet-stream"
	}
}
