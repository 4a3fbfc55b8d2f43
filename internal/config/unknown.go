package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid flat keys in the config file.
var knownKeys = map[string]bool{
	// Workspace settings
	"workspace_dir": true, "default_project_dir": true,
	"file_permissions": true, "dir_permissions": true,
	// Archive settings
	"exclude_files": true, "max_archive_size": true, "max_entry_size": true,
	"debounce": true, "suppress_window": true,
	// Server settings
	"listen_addr": true, "static_dir": true, "allowed_origins": true, "metrics": true,
	// History settings
	"history": true, "history_retention": true,
	// Logging settings
	"log_level": true, "log_file": true, "log_format": true, "log_retention_days": true,
}

// knownKeysList is the sorted slice form of knownKeys. Sorted so suggestions
// are deterministic when two candidates have the same edit distance.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys reports every key the decoder did not map onto Config.
// Keys nested under a table are reported by their leaf name, since the file
// format has no tables.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	seen := make(map[string]bool)

	for _, key := range undecoded {
		name := key[len(key)-1]
		if len(key) > 1 {
			name = strings.Join(key, ".")
		}

		if seen[name] {
			continue
		}

		seen[name] = true

		errs = append(errs, unknownKeyError(name, key[len(key)-1]))
	}

	return errors.Join(errs...)
}

// unknownKeyError creates a descriptive error for an unknown key, suggesting
// the closest known key for its leaf name when one is close enough.
func unknownKeyError(name, leaf string) error {
	suggestion := closestMatch(leaf, knownKeysList)
	if suggestion != "" {
		return fmt.Errorf("unknown config key %q (did you mean %q?)", name, suggestion)
	}

	return fmt.Errorf("unknown config key %q", name)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization avoids allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
