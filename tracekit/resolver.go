package tracekit

import (
	"path/filepath"
	"strings"
)

// ResolveErrorKind distinguishes the three Path Resolver failure modes.
type ResolveErrorKind int

const (
	ResolveNotFound ResolveErrorKind = iota
	ResolveAmbiguous
	ResolveUnsupportedExtension
)

// ResolveError carries the outcome of a failed resolution, ready to be
// attached to a Breakpoint as its Status.
type ResolveError struct {
	Kind  ResolveErrorKind
	Input string
}

func (e *ResolveError) Error() string {
	switch e.Kind {
	case ResolveAmbiguous:
		return Messages.SourceFileAmbiguous
	case ResolveUnsupportedExtension:
		return Messages.UnsupportedExtension
	default:
		return Messages.SourceFileNotFound
	}
}

// Status renders the ResolveError as the StatusMessage the Facade attaches
// to a Breakpoint that failed to set.
func (e *ResolveError) Status() *StatusMessage {
	return &StatusMessage{
		IsError:  true,
		RefersTo: ReferBreakpointSourceLocation,
		Description: Description{
			Format:     e.Error(),
			Parameters: []string{e.Input},
		},
	}
}

// Resolver disambiguates user-supplied paths against a Scanner's
// Inventory using increasing-length suffix-segment matching.
type Resolver struct {
	inventory  *Inventory
	extensions []string
}

// NewResolver builds a Resolver over a completed Inventory scan.
func NewResolver(inv *Inventory, extensions []string) *Resolver {
	return &Resolver{inventory: inv, extensions: append([]string(nil), extensions...)}
}

func normalizeSegments(path string) []string {
	clean := filepath.ToSlash(filepath.Clean(path))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "." || clean == "" {
		return nil
	}
	return strings.Split(clean, "/")
}

func (r *Resolver) extensionAllowed(path string) bool {
	ext := filepath.Ext(path)
	for _, e := range r.extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Resolve returns the unique FileEntry the input path refers to, or a
// ResolveError describing why it could not be resolved uniquely.
// Matching stops at the first k that leaves a single candidate; input
// segments before that suffix are not compared, so "x/service.go"
// resolves to the inventory's only service.go.
func (r *Resolver) Resolve(path string) (*FileEntry, *ResolveError) {
	if !r.extensionAllowed(path) {
		return nil, &ResolveError{Kind: ResolveUnsupportedExtension, Input: path}
	}

	segments := normalizeSegments(path)
	if len(segments) == 0 {
		return nil, &ResolveError{Kind: ResolveNotFound, Input: path}
	}

	candidates := r.inventory.Files
	for k := 1; k <= len(segments); k++ {
		want := segments[len(segments)-k:]
		var matched []FileEntry
		for _, f := range candidates {
			if len(f.Segments) < k {
				continue
			}
			got := f.Segments[len(f.Segments)-k:]
			if segmentsEqual(got, want) {
				matched = append(matched, f)
			}
		}
		switch len(matched) {
		case 0:
			return nil, &ResolveError{Kind: ResolveNotFound, Input: path}
		case 1:
			found := matched[0]
			return &found, nil
		default:
			candidates = matched
		}
	}

	return nil, &ResolveError{Kind: ResolveAmbiguous, Input: path}
}

func segmentsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
