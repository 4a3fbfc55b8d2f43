package archive

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// File names with a fixed meaning inside a workspace.
const (
	ManifestName = "project.json"
	NotesName    = "EDITING.md"
)

// notesSuffix marks documentation files that live next to the project but
// are never part of an archive.
const notesSuffix = ".md"

// Excluded reports whether a workspace file name stays out of archives.
// The directory watcher uses it to ignore edits that cannot change the
// packed project.
func (c *Codec) Excluded(name string) bool {
	return c.isExcluded(nfcNormalize(filepath.Base(name)))
}

// isExcluded reports whether a workspace file name stays out of archives.
// The notes suffix is always excluded; extra glob patterns come from config.
func (c *Codec) isExcluded(name string) bool {
	if strings.HasSuffix(strings.ToLower(name), notesSuffix) {
		return true
	}

	for _, pattern := range c.opts.Exclude {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}

	return false
}

// safeEntryName validates a zip entry name and returns the workspace file
// name it maps to. Only a single flat path element is accepted: absolute
// paths, parent references, separators and NUL bytes are rejected so no
// entry can land outside the workspace.
func safeEntryName(raw string) (string, bool) {
	if raw == "" || raw == "." || raw == ".." {
		return "", false
	}

	if strings.ContainsRune(raw, 0) || strings.ContainsAny(raw, `/\`) {
		return "", false
	}

	if filepath.IsAbs(raw) || filepath.VolumeName(raw) != "" {
		return "", false
	}

	return nfcNormalize(raw), true
}

// nfcNormalize returns the NFC form of s. macOS reports decomposed (NFD)
// names; archives always carry the composed form.
func nfcNormalize(s string) string {
	return norm.NFC.String(s)
}
