// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package decision

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sourcegraph/go-diff/diff"
)

// PatchFiles lists the repository-relative files touched by a unified diff,
// sorted and deduplicated. Malformed diffs fall back to scanning file
// headers so a partially valid patch still yields its files.
func PatchFiles(patch string) []string {
	if strings.TrimSpace(patch) == "" {
		return nil
	}
	seen := make(map[string]bool)
	add := func(name string) {
		if p := cleanDiffPath(name); p != "" {
			seen[p] = true
		}
	}

	fileDiffs, err := diff.ParseMultiFileDiff([]byte(patch))
	if err == nil && len(fileDiffs) > 0 {
		for _, fd := range fileDiffs {
			add(fd.OrigName)
			add(fd.NewName)
		}
	} else {
		for _, line := range strings.Split(patch, "\n") {
			switch {
			case strings.HasPrefix(line, "+++ "), strings.HasPrefix(line, "--- "):
				add(line[4:])
			case strings.HasPrefix(line, "diff --git "):
				for _, f := range strings.Fields(line[len("diff --git "):]) {
					add(f)
				}
			}
		}
	}
	return sortedKeys(seen)
}

func cleanDiffPath(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.IndexByte(name, '\t'); i >= 0 {
		name = name[:i]
	}
	if name == "" || name == "/dev/null" {
		return ""
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		name = name[2:]
	}
	return normalizePath(name)
}

var (
	pythonFrame = regexp.MustCompile(`File "([^"]+)", line \d+`)
	sourceFrame = regexp.MustCompile(`(?:^|[\s(])((?:[\w.-]+/)*[\w.-]+\.(?:go|py|ts|tsx|js|jsx|rs|java|rb|yaml|yml|json|toml)):\d+`)
)

// TraceFiles lists relative source files named in a stack trace. Absolute
// paths are skipped since they point outside the repository.
func TraceFiles(trace string) []string {
	if trace == "" {
		return nil
	}
	seen := make(map[string]bool)
	for _, re := range []*regexp.Regexp{pythonFrame, sourceFrame} {
		for _, m := range re.FindAllStringSubmatch(trace, -1) {
			p := m[1]
			if strings.HasPrefix(p, "/") {
				continue
			}
			if p = normalizePath(p); p != "" {
				seen[p] = true
			}
		}
	}
	return sortedKeys(seen)
}

func normalizePath(p string) string {
	p = strings.TrimPrefix(path.Clean(strings.ReplaceAll(p, `\`, "/")), "./")
	if p == "." || strings.HasPrefix(p, "../") || p == ".." {
		return ""
	}
	return p
}

// MatchPath reports whether file falls under pattern. Patterns with glob
// metacharacters use doublestar semantics; plain patterns match the path
// itself or anything below it.
func MatchPath(pattern, file string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	file = normalizePath(file)
	if strings.ContainsAny(pattern, "*?[{") {
		ok, err := doublestar.Match(strings.TrimPrefix(pattern, "./"), file)
		return err == nil && ok
	}
	base := normalizePath(strings.TrimSuffix(pattern, "/"))
	if base == "" {
		return false
	}
	return file == base || strings.HasPrefix(file, base+"/")
}

func matchAny(patterns []string, file string) bool {
	for _, p := range patterns {
		if MatchPath(p, file) {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
