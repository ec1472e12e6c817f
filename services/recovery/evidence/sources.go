// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/AleutianAI/AleutianRecovery/services/recovery/gate"
	"github.com/AleutianAI/AleutianRecovery/services/recovery/memory"
)

// Query describes what a source should retrieve for.
type Query struct {
	RunID     string
	PhaseID   string
	ErrorText string
	Mode      gate.Mode
}

// Source retrieves evidence entries. Retrieve returns at most limit entries
// in a deterministic order.
type Source interface {
	Name() string
	Retrieve(ctx context.Context, q Query, limit int) ([]Entry, error)
}

// summaryDivisor shrinks per-entry content in summary mode.
const summaryDivisor = 4

// entryLimit returns the per-entry character cap for mode.
func entryLimit(maxChars int, mode gate.Mode) int {
	if mode == gate.ModeSummary && maxChars >= summaryDivisor {
		return maxChars / summaryDivisor
	}
	return maxChars
}

// truncateEntry cuts content to at most max bytes on a rune boundary.
func truncateEntry(content string, max int) (string, bool) {
	if max <= 0 || len(content) <= max {
		return content, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut], true
}

// ErrInvalidRunID is returned when a run id cannot name a single artifact
// directory.
var ErrInvalidRunID = errors.New("run id is not a single path element")

// FileSource reads files matched by doublestar patterns under a root.
//
// Thread Safety: Safe for concurrent use.
type FileSource struct {
	name     string
	kind     string
	fsys     fs.FS
	patterns func(q Query) []string
	maxChars int
	newest   bool

	// perRun scopes each query to the <run_id> directory of fsys. The run id
	// is used as a literal directory name and never as a glob.
	perRun bool
}

// NewArtifactSource serves run artifacts from <root>/<run_id>/**, newest
// first.
func NewArtifactSource(root string, maxEntryChars int) *FileSource {
	return NewArtifactFSSource(os.DirFS(root), maxEntryChars)
}

// NewArtifactFSSource is NewArtifactSource over an arbitrary fs.FS.
func NewArtifactFSSource(fsys fs.FS, maxEntryChars int) *FileSource {
	return &FileSource{
		name:     "run_artifacts",
		kind:     SourceArtifact,
		fsys:     fsys,
		patterns: func(Query) []string { return []string{"**"} },
		maxChars: maxEntryChars,
		newest:   true,
		perRun:   true,
	}
}

// NewSourceOfTruthSource serves files under root matching patterns, in
// lexicographic order.
func NewSourceOfTruthSource(root string, patterns []string, maxEntryChars int) *FileSource {
	fixed := append([]string(nil), patterns...)
	return &FileSource{
		name:     "sot_files",
		kind:     SourceSourceOfTruth,
		fsys:     os.DirFS(root),
		patterns: func(Query) []string { return fixed },
		maxChars: maxEntryChars,
	}
}

// NewFSSource builds a FileSource over an arbitrary fs.FS. Used by tests and
// by callers that embed their source-of-truth files.
func NewFSSource(name, kind string, fsys fs.FS, patterns []string, maxEntryChars int) *FileSource {
	fixed := append([]string(nil), patterns...)
	return &FileSource{
		name:     name,
		kind:     kind,
		fsys:     fsys,
		patterns: func(Query) []string { return fixed },
		maxChars: maxEntryChars,
	}
}

// Name implements Source.
func (s *FileSource) Name() string { return s.name }

type fileMatch struct {
	path    string
	modUnix int64
}

// runFS returns the filesystem a query searches and the prefix that turns
// its paths back into refs relative to the source root. ok is false when the
// run has no artifact directory.
func (s *FileSource) runFS(q Query) (fsys fs.FS, prefix string, ok bool, err error) {
	if !s.perRun {
		return s.fsys, "", true, nil
	}
	if q.RunID == "" || q.RunID == "." || strings.Contains(q.RunID, "/") || !fs.ValidPath(q.RunID) {
		return nil, "", false, fmt.Errorf("%w: %q", ErrInvalidRunID, q.RunID)
	}
	info, err := fs.Stat(s.fsys, q.RunID)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("stat %s: %w", q.RunID, err)
	}
	if !info.IsDir() {
		return nil, "", false, nil
	}
	sub, err := fs.Sub(s.fsys, q.RunID)
	if err != nil {
		return nil, "", false, fmt.Errorf("open run directory %s: %w", q.RunID, err)
	}
	return sub, q.RunID, true, nil
}

// Retrieve implements Source.
func (s *FileSource) Retrieve(ctx context.Context, q Query, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	fsys, prefix, ok, err := s.runFS(q)
	if err != nil || !ok {
		return nil, err
	}

	seen := make(map[string]bool)
	var matches []fileMatch
	for _, pattern := range s.patterns(q) {
		paths, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, p := range paths {
			if seen[p] {
				continue
			}
			seen[p] = true
			m := fileMatch{path: p}
			if s.newest {
				if info, err := fs.Stat(fsys, p); err == nil {
					m.modUnix = info.ModTime().UnixNano()
				}
			}
			matches = append(matches, m)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if s.newest && matches[i].modUnix != matches[j].modUnix {
			return matches[i].modUnix > matches[j].modUnix
		}
		return matches[i].path < matches[j].path
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	max := entryLimit(s.maxChars, q.Mode)
	entries := make([]Entry, 0, len(matches))
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, truncated, err := readLimited(fsys, m.path, max)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", m.path, err)
		}
		ref := m.path
		if prefix != "" {
			ref = path.Join(prefix, m.path)
		}
		entries = append(entries, Entry{
			Source:    s.kind,
			Ref:       ref,
			Content:   content,
			Score:     1.0,
			Size:      len(content),
			Truncated: truncated,
		})
	}
	return entries, nil
}

// readLimited reads at most max bytes of name (all of it when max <= 0) and
// cuts the result on a rune boundary.
func readLimited(fsys fs.FS, name string, max int) (string, bool, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	var r io.Reader = f
	if max > 0 {
		// One extra byte tells a file of exactly max bytes from a longer one.
		r = io.LimitReader(f, int64(max)+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", false, err
	}
	content, truncated := truncateEntry(string(data), max)
	return content, truncated, nil
}

// MemorySource serves similar insights from long-term memory, tagged
// memory:error or memory:pattern.
type MemorySource struct {
	store    memory.Store
	maxChars int
}

// NewMemorySource wraps a memory store.
func NewMemorySource(store memory.Store, maxEntryChars int) *MemorySource {
	return &MemorySource{store: store, maxChars: maxEntryChars}
}

// Name implements Source.
func (s *MemorySource) Name() string { return "memory" }

// Retrieve implements Source. Results are ordered by score, then insight id.
func (s *MemorySource) Retrieve(ctx context.Context, q Query, limit int) ([]Entry, error) {
	if limit <= 0 || strings.TrimSpace(q.ErrorText) == "" {
		return nil, nil
	}
	matches, err := s.store.SearchSimilar(ctx, q.ErrorText, limit)
	if err != nil {
		return nil, fmt.Errorf("search similar: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Insight.ID < matches[j].Insight.ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	max := entryLimit(s.maxChars, q.Mode)
	entries := make([]Entry, 0, len(matches))
	for _, m := range matches {
		source := SourceMemoryPattern
		if m.Insight.Type.IsErrorType() {
			source = SourceMemoryError
		}
		content, truncated := truncateEntry(m.Insight.Content, max)
		entries = append(entries, Entry{
			Source:    source,
			Ref:       m.Insight.ID,
			Content:   content,
			Score:     m.Score,
			Size:      len(content),
			Truncated: truncated,
		})
	}
	return entries, nil
}
