package filelock

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentmesh/agentmesh-server/pkg/models"
)

// Patterns for spotting file paths inside free-form action text.
var (
	absolutePathPattern = regexp.MustCompile(`(?:/[^/\x00\s'"]+)+`)
	relativePathPattern = regexp.MustCompile(`(?:\./)?(?:[^/\\:*?"<>|\r\n\s]+/)*[^/\\:*?"<>|\r\n\s]+\.[a-zA-Z0-9]+`)
	quotedPathPattern   = regexp.MustCompile(`["']([^"']*\.[a-zA-Z0-9]+)["']`)
)

var exclusiveWords = []string{"delete", "remove", "rename", "move", "replace"}
var writeWords = []string{"write", "edit", "modify", "update", "create", "save", "append"}

// ExtractPaths finds candidate file paths in an action description.
// Matches are normalized to absolute form so the same file spelled two
// ways maps to one lock.
func ExtractPaths(action string) []string {
	seen := map[string]struct{}{}

	collect := func(match string) {
		match = strings.TrimSpace(match)
		if len(match) < 2 {
			return
		}
		if abs, err := filepath.Abs(match); err == nil {
			match = filepath.Clean(abs)
		}
		seen[match] = struct{}{}
	}

	for _, match := range absolutePathPattern.FindAllString(action, -1) {
		collect(match)
	}
	for _, match := range relativePathPattern.FindAllString(action, -1) {
		collect(match)
	}
	for _, groups := range quotedPathPattern.FindAllStringSubmatch(action, -1) {
		collect(groups[1])
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	return paths
}

// ClassifyAccess infers the access type a described action needs.
// Destructive verbs demand exclusive access, mutating verbs write access,
// and anything else defaults to read.
func ClassifyAccess(action string) models.AccessType {
	lower := strings.ToLower(action)

	for _, word := range exclusiveWords {
		if strings.Contains(lower, word) {
			return models.AccessExclusive
		}
	}
	for _, word := range writeWords {
		if strings.Contains(lower, word) {
			return models.AccessWrite
		}
	}
	return models.AccessRead
}
