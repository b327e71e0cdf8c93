package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each section. Nested tables appear as
// "section.table".
var knownKeys = map[string][]string{
	"supabase":         {"url", "anon_key", "schema", "email", "requests_per_second"},
	"tables":           {"statuses", "employees", "schedule_entries"},
	"realtime":         {"heartbeat", "join_timeout", "reconnect_delay", "max_reconnect_attempts"},
	"debounce":         {"delay", "cooldown", "stuck_timeout", "windows"},
	"debounce.windows": {"statuses", "employees", "schedule_entries"},
	"edit":             {"settle_delay", "propagation_delay"},
	"health":           {"probe_timeout", "check_interval"},
	"retry":            {"max_attempts", "backoff"},
	"storage":          {"snapshot_db", "session_file", "pid_file"},
	"logging":          {"log_level", "log_file", "log_format"},
	"network":          {"connect_timeout", "data_timeout", "user_agent"},
}

// knownSections is the sorted list of top-level section names, used for
// suggestions. Sorted for deterministic output on ties.
var knownSections = func() []string {
	out := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		if !strings.Contains(k, ".") {
			out = append(out, k)
		}
	}

	slices.Sort(out)

	return out
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each one.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		err := unknownKeyError(md, key)
		if err == nil || seen[err.Error()] {
			continue
		}

		seen[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// unknownKeyError describes one undecoded key. Keys below an unknown section
// are reported once, as the section.
func unknownKeyError(md *toml.MetaData, key toml.Key) error {
	if len(key) == 1 {
		if md.Type(key[0]) == "Hash" {
			return suggest("unknown config section", key[0], knownSections)
		}

		return suggest("unknown config key", key[0], knownSections)
	}

	section := key[0]
	if _, ok := knownKeys[section]; !ok {
		return suggest("unknown config section", section, knownSections)
	}

	// Walk down nested tables as far as they are known.
	for i := 1; i < len(key); i++ {
		nested := strings.Join(key[:i+1], ".")
		if _, ok := knownKeys[nested]; ok {
			section = nested
			continue
		}

		leaf := key[i]
		if slices.Contains(knownKeys[section], leaf) {
			// A scalar given where a table was expected, or similar; toml
			// reports those as decode errors, not undecoded keys.
			return nil
		}

		return suggest("unknown config key", section+"."+leaf, qualify(section, knownKeys[section]))
	}

	return nil
}

func qualify(section string, keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = section + "." + k
	}

	slices.Sort(out)

	return out
}

func suggest(what, name string, known []string) error {
	if s := closestMatch(name, known); s != "" {
		return fmt.Errorf("%s %q, did you mean %q?", what, name, s)
	}

	return fmt.Errorf("%s %q", what, name)
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
