//go:build arm64

package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/Use-Tusk/tracefence/internal/superror"
)

// maxExtendsDepth bounds an extends chain the same way the teacher's
// template loader bounds template inheritance.
const maxExtendsDepth = 10

// rawEntry is the on-disk shape of a shared_objects entry: syscall names,
// not numbers. Resolution to Syscall happens once at load time.
type rawEntry struct {
	Allow []string `json:"allow,omitempty"`
	Block []string `json:"block,omitempty"`
}

// rawConfig is the on-disk JSONC shape of a policy file.
type rawConfig struct {
	Extends       string              `json:"extends,omitempty"`
	SharedObjects map[string]rawEntry `json:"shared_objects"`
}

// Load reads a JSONC policy file from path, resolving any extends chain
// relative to the file's own directory, and returns the fully-merged Policy.
func Load(path string) (*Policy, error) {
	return loadWithDepth(path, 0, nil)
}

func loadWithDepth(path string, depth int, seen map[string]bool) (*Policy, error) {
	if depth > maxExtendsDepth {
		return nil, superror.Parse("policy.Load", fmt.Errorf("extends chain too deep (max %d)", maxExtendsDepth))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, superror.OS("policy.Load", err)
	}
	absPath = filepath.Clean(absPath)

	if seen == nil {
		seen = make(map[string]bool)
	}
	if seen[absPath] {
		return nil, superror.Parse("policy.Load", fmt.Errorf("circular extends detected: %q", path))
	}
	seen[absPath] = true

	data, err := os.ReadFile(absPath) //nolint:gosec // caller-provided policy path, intentional
	if err != nil {
		return nil, superror.OS("policy.Load", fmt.Errorf("reading policy file %q: %w", path, err))
	}

	var raw rawConfig
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
			return nil, superror.Parse("policy.Load", fmt.Errorf("parsing policy file %q: %w", path, err))
		}
	}

	p, err := fromRaw(raw)
	if err != nil {
		return nil, err
	}

	if raw.Extends == "" {
		return p, nil
	}

	baseDir := filepath.Dir(absPath)
	extendsPath := raw.Extends
	if !filepath.IsAbs(extendsPath) {
		extendsPath = filepath.Join(baseDir, extendsPath)
	}

	base, err := loadWithDepth(extendsPath, depth+1, seen)
	if err != nil {
		return nil, err
	}

	return merge(base, p), nil
}

// fromRaw resolves every syscall name in raw against the arm64 syscall
// table and builds a Policy. An unrecognized name is a KindInvariant error:
// the config names a syscall the supervisor has no number for, which is a
// configuration-author mistake the supervisor cannot recover from silently.
func fromRaw(raw rawConfig) (*Policy, error) {
	p := New()
	for objPath, entry := range raw.SharedObjects {
		allow, err := resolveNames(entry.Allow)
		if err != nil {
			return nil, superror.Invariant("policy.Load", fmt.Errorf("object %q: %w", objPath, err))
		}
		block, err := resolveNames(entry.Block)
		if err != nil {
			return nil, superror.Invariant("policy.Load", fmt.Errorf("object %q: %w", objPath, err))
		}
		p.Objects[objPath] = NewEntry(allow, block)
	}
	return p, nil
}

func resolveNames(names []string) ([]Syscall, error) {
	if names == nil {
		return nil, nil
	}
	out := make([]Syscall, 0, len(names))
	for _, name := range names {
		sc, ok := SyscallByName(name)
		if !ok {
			return nil, fmt.Errorf("unrecognized syscall name %q", name)
		}
		out = append(out, sc)
	}
	return out, nil
}

// merge combines a base Policy with an override Policy. An object present in
// only one side is carried through unchanged; for an object present in both,
// the allow and block sets are unioned, so neither side's entry replaces the
// other's. This follows the teacher's "append, don't replace" slice-merge
// convention for inherited config.
func merge(base, override *Policy) *Policy {
	result := New()
	for path, entry := range base.Objects {
		result.Objects[path] = entry
	}
	for path, entry := range override.Objects {
		existing, ok := result.Objects[path]
		if !ok {
			result.Objects[path] = entry
			continue
		}
		result.Objects[path] = Entry{
			allow: unionSets(existing.allow, entry.allow),
			block: unionSets(existing.block, entry.block),
		}
	}
	return result
}

func unionSets(a, b syscallSet) syscallSet {
	if a == nil && b == nil {
		return nil
	}
	out := make(syscallSet, len(a)+len(b))
	for sc := range a {
		out[sc] = struct{}{}
	}
	for sc := range b {
		out[sc] = struct{}{}
	}
	return out
}
