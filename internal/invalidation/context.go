package invalidation

import (
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Context is the ephemeral situation snapshot a strategy judges. The manager
// builds one per event group within a batch.
type Context struct {
	Event         Event
	AffectedFiles []string
	// TotalCacheSize is the entry count summed across every registered store.
	TotalCacheSize int
	// SinceLastInvalidation is the elapsed time since the manager last
	// applied a strategy; a first run reports a very large duration.
	SinceLastInvalidation time.Duration
	// DependencyGraph maps a file to the files related to it, either from an
	// application-supplied resolver or projected from the stores' indexes.
	DependencyGraph map[string][]string
}

// Result reports what one invalidation run did.
type Result struct {
	Strategy        string
	InvalidatedKeys []string
	CascadedFiles   []string
	Elapsed         time.Duration
	Errors          []error
}

// Impact score weights per event type. Deletes and configuration changes are
// the most disruptive; edits the least.
const (
	impactDelete = 10
	impactRename = 7
	impactConfig = 15
	impactCreate = 5
	impactModify = 3
	impactOther  = 1

	largeCacheThreshold = 1000
	largeGraphThreshold = 10
	graphImpactCap      = 10
)

// ImpactScore estimates how disruptive the context's change is. All
// strategies share this heuristic so their applicability thresholds compare
// like with like.
func (c *Context) ImpactScore() int {
	var score int
	switch c.Event.Type {
	case EventDeleted:
		score = impactDelete
	case EventRenamed:
		score = impactRename
	case EventConfigChanged:
		score = impactConfig
	case EventCreated:
		score = impactCreate
	case EventModified:
		score = impactModify
	default:
		score = impactOther
	}

	if IsMainFile(c.Event.FilePath) {
		score *= 2
	}
	if c.TotalCacheSize > largeCacheThreshold {
		score += 5
	}
	if size := len(c.DependencyGraph); size > largeGraphThreshold {
		extra := size / largeGraphThreshold
		if extra > graphImpactCap {
			extra = graphImpactCap
		}
		score += extra
	}
	return score
}

// mainFileNames are base names (extension stripped) that conventionally hold
// a workspace's top-level journal.
var mainFileNames = map[string]bool{
	"main":    true,
	"all":     true,
	"journal": true,
	"index":   true,
	"current": true,
}

// IsMainFile reports whether the path looks like a workspace's top-level
// ledger file. Changes to those typically invalidate everything derived from
// the workspace.
func IsMainFile(path string) bool {
	if path == "" {
		return false
	}
	base := filepath.Base(path)
	if base == ".hledger.journal" {
		return true
	}
	name := strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
	return mainFileNames[name]
}

// IsIncludeFile reports whether the path looks like a file pulled in through
// hledger include directives rather than opened directly.
func IsIncludeFile(path string) bool {
	if path == "" {
		return false
	}
	lower := strings.ToLower(path)
	if strings.Contains(filepath.Base(lower), "include") {
		return true
	}
	for _, part := range strings.Split(filepath.Dir(lower), string(filepath.Separator)) {
		if part == "includes" || part == "imports" {
			return true
		}
	}
	return false
}

// payloadKinds are the cached artifact kinds the tooling derives per file.
var payloadKinds = []string{"parse", "accounts", "payees", "commodities"}

// KeysForFile expands one file into the cache key variants the application
// uses: the path itself and its base name, per-kind derivations of both, and
// the directory, extension, and project groupings.
func KeysForFile(path string) []string {
	base := filepath.Base(path)
	dir := filepath.Dir(path)
	ext := strings.TrimPrefix(filepath.Ext(path), ".")

	keys := []string{path}
	if base != path {
		keys = append(keys, base)
	}
	for _, kind := range payloadKinds {
		keys = append(keys, path+":"+kind)
		if base != path {
			keys = append(keys, base+":"+kind)
		}
	}
	keys = append(keys, "dir:"+dir)
	if ext != "" {
		keys = append(keys, "ext:"+ext)
	}
	keys = append(keys, "project:"+filepath.Base(dir))
	return keys
}

// dedupe returns the sorted unique values of list.
func dedupe(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, value := range list {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
