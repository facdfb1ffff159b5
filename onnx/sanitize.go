package onnx

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"k8s.io/klog/v2"
)

// nameSupply hands out unused names, suffixing _1, _2, ... when a name was
// already taken.
type nameSupply struct {
	used map[string]bool
}

func newNameSupply() *nameSupply {
	return &nameSupply{used: make(map[string]bool)}
}

func (s *nameSupply) fresh(name string) string {
	if !s.used[name] {
		s.used[name] = true
		return name
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d", name, i)
		if !s.used[candidate] {
			s.used[candidate] = true
			return candidate
		}
	}
}

// sanitizer rewrites model value names into well-formed identifiers: empty
// names get a generated one, dots become underscores, names starting with a
// non-letter get an input_ prefix, and collisions get numeric suffixes.
// Renames are warnings, never errors.
type sanitizer struct {
	enabled    bool
	supply     *nameSupply
	emptyCount int
}

func newSanitizer(enabled bool) *sanitizer {
	return &sanitizer{enabled: enabled, supply: newNameSupply()}
}

func (s *sanitizer) sanitize(name string) string {
	if !s.enabled {
		return name
	}
	if name == "" {
		generated := fmt.Sprintf("empty_%d", s.emptyCount)
		s.emptyCount++
		return s.supply.fresh(generated)
	}
	newName := strings.ReplaceAll(name, ".", "_")
	first, _ := utf8.DecodeRuneInString(newName)
	if !unicode.IsLetter(first) && first != '_' {
		newName = s.supply.fresh("input_" + newName)
	} else {
		newName = s.supply.fresh(newName)
	}
	if newName != name {
		klog.Warningf("renaming name %q to %q", name, newName)
	}
	return newName
}
