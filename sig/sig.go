// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

// Package sig implements signature reconciliation between the named fields a
// dataset provides and the named arguments a callable (model, loss or metric)
// declares.
//
// Go reflection does not expose parameter names, so callables declare their
// field interest explicitly through a Signature. Match then selects the subset
// of available fields the callable accepts, or reports precisely which
// required names are missing and which provided names go unused -- with a
// suggestion of how to fix the mismatch.
package sig

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Signature declares the field names a callable consumes.
//
// Required fields must be present for the callable to run. Optional fields are
// forwarded when present and silently skipped otherwise.
type Signature struct {
	Required []string
	Optional []string
}

// New creates a Signature with the given required field names.
func New(required ...string) Signature {
	return Signature{Required: required}
}

// WithOptional returns a copy of the Signature with the given optional field
// names added.
func (s Signature) WithOptional(names ...string) Signature {
	s2 := s
	s2.Optional = append(append([]string{}, s.Optional...), names...)
	return s2
}

// All returns required plus optional names, sorted.
func (s Signature) All() []string {
	all := make([]string, 0, len(s.Required)+len(s.Optional))
	all = append(all, s.Required...)
	all = append(all, s.Optional...)
	sort.Strings(all)
	return all
}

// String implements fmt.Stringer.
func (s Signature) String() string {
	if len(s.Optional) == 0 {
		return fmt.Sprintf("(%s)", strings.Join(s.Required, ", "))
	}
	return fmt.Sprintf("(%s, optional: %s)", strings.Join(s.Required, ", "), strings.Join(s.Optional, ", "))
}

// Result of reconciling a Signature against the available field names.
type Result struct {
	// Matched names, the subset of available fields the callable accepts,
	// sorted.
	Matched []string

	// Missing required names not found among the available fields, sorted.
	Missing []string

	// Unused available names not declared by the callable, sorted.
	Unused []string
}

// OK reports whether all required fields were found.
func (r Result) OK() bool {
	return len(r.Missing) == 0
}

// Match reconciles a Signature against the available field names.
func Match(s Signature, available []string) Result {
	availableSet := make(map[string]bool, len(available))
	for _, name := range available {
		availableSet[name] = true
	}
	declared := make(map[string]bool, len(s.Required)+len(s.Optional))
	var r Result
	for _, name := range s.Required {
		declared[name] = true
		if availableSet[name] {
			r.Matched = append(r.Matched, name)
		} else {
			r.Missing = append(r.Missing, name)
		}
	}
	for _, name := range s.Optional {
		declared[name] = true
		if availableSet[name] {
			r.Matched = append(r.Matched, name)
		}
	}
	for _, name := range available {
		if !declared[name] {
			r.Unused = append(r.Unused, name)
		}
	}
	sort.Strings(r.Matched)
	sort.Strings(r.Missing)
	sort.Strings(r.Unused)
	return r
}

// Err builds the diagnostic error for a failed match. The callable is
// identified as e.g. `loss "mse"` or `model "mlp" forward`. It returns nil if
// the match succeeded.
//
// The message names the missing required fields, lists the provided-but-unused
// fields (the usual culprits of a naming mismatch) and suggests the fix.
func (r Result) Err(callable string) error {
	if r.OK() {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s is missing required field(s) [%s]", callable, strings.Join(r.Missing, ", "))
	if len(r.Unused) > 0 {
		fmt.Fprintf(&b, "; the dataset provides unused field(s) [%s]", strings.Join(r.Unused, ", "))
		fmt.Fprintf(&b, " -- if one of those holds the data, rename it with a sig.Rename (e.g. sig.Rename{%q: %q}) or rename the dataset field",
			r.Unused[0], r.Missing[0])
	} else {
		b.WriteString(" -- add the field to the dataset or drop it from the signature")
	}
	return errors.New(b.String())
}

// Filter selects from the available fields the subset the Signature declares.
// The returned Result carries the diagnostics; the returned map only contains
// matched fields.
func Filter[V any](s Signature, available map[string]V) (map[string]V, Result) {
	names := maps.Keys(available)
	sort.Strings(names)
	r := Match(s, names)
	selected := make(map[string]V, len(r.Matched))
	for _, name := range r.Matched {
		selected[name] = available[name]
	}
	return selected, r
}

// Rename maps dataset field names to the names a callable declares. It is the
// fix suggested by Result.Err when a dataset and a callable disagree on
// naming.
type Rename map[string]string

// Names returns a copy of the name list with the renames applied.
func (r Rename) Names(names []string) []string {
	if len(r) == 0 {
		return names
	}
	renamed := make([]string, len(names))
	for ii, name := range names {
		if newName, found := r[name]; found {
			name = newName
		}
		renamed[ii] = name
	}
	return renamed
}

// Apply returns a copy of the fields map with the renames applied. Fields not
// mentioned keep their name. Renaming onto an already existing name is an
// error.
func Apply[V any](renames Rename, available map[string]V) (map[string]V, error) {
	if len(renames) == 0 {
		return available, nil
	}
	renamed := make(map[string]V, len(available))
	for name, value := range available {
		newName, found := renames[name]
		if !found {
			newName = name
		}
		if _, duplicate := renamed[newName]; duplicate {
			return nil, errors.Errorf("renaming field %q to %q collides with another field of the same name", name, newName)
		}
		renamed[newName] = value
	}
	return renamed, nil
}
