// Copyright 2025 The Fieldtrain Authors. SPDX-License-Identifier: Apache-2.0

// Package fields defines the named tensor maps exchanged between datasets,
// models, losses and metrics.
//
// A training example (or batch) is not a positional list of tensors but a
// mapping of field names to tensors: datasets produce them, and each consumer
// (model, loss, metric) declares by name which fields it wants. Package sig
// reconciles the two sides.
package fields

import (
	"sort"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Map is a batch (or a single example) keyed by field name.
type Map map[string]*tensors.Tensor

// Names returns the field names in sorted order.
//
// The sorted order is the canonical order used whenever a Map has to be
// flattened into the positional tensor list a graph executor takes.
func (m Map) Names() []string {
	names := maps.Keys(m)
	sort.Strings(names)
	return names
}

// InOrder returns the tensors for the given field names, in the given order.
// It returns an error if any name is absent.
func (m Map) InOrder(names []string) ([]*tensors.Tensor, error) {
	list := make([]*tensors.Tensor, 0, len(names))
	for _, name := range names {
		t, found := m[name]
		if !found {
			return nil, errors.Errorf("field %q not present, available fields are %v", name, m.Names())
		}
		list = append(list, t)
	}
	return list, nil
}

// BatchSize returns the common leading (batch) dimension of all fields.
// Scalar fields are rejected, as are fields disagreeing on the batch size.
func (m Map) BatchSize() (int, error) {
	batchSize := -1
	for _, name := range m.Names() {
		t := m[name]
		shape := t.Shape()
		if shape.IsScalar() {
			return 0, errors.Errorf("field %q is a scalar, it has no batch dimension", name)
		}
		dim := shape.Dimensions[0]
		if batchSize == -1 {
			batchSize = dim
		} else if dim != batchSize {
			return 0, errors.Errorf("field %q has leading dimension %d, but other fields have batch size %d",
				name, dim, batchSize)
		}
	}
	if batchSize == -1 {
		return 0, errors.Errorf("empty field map has no batch size")
	}
	return batchSize, nil
}

// NodeMap is the graph-building side of a Map: field names to graph nodes.
type NodeMap map[string]*graph.Node

// NodesFromList rebuilds a NodeMap from a positional node list, given the
// field names in the same order. Typically used inside a graph-building
// function whose inputs were flattened with Map.InOrder.
func NodesFromList(names []string, nodes []*graph.Node) NodeMap {
	m := make(NodeMap, len(names))
	for ii, name := range names {
		m[name] = nodes[ii]
	}
	return m
}

// Names returns the field names in sorted order.
func (m NodeMap) Names() []string {
	names := maps.Keys(m)
	sort.Strings(names)
	return names
}

// InOrder returns the nodes for the given field names, in the given order.
// Missing names panic: by the time a NodeMap is flattened the signatures
// have already been reconciled.
func (m NodeMap) InOrder(names []string) []*graph.Node {
	list := make([]*graph.Node, 0, len(names))
	for _, name := range names {
		node, found := m[name]
		if !found {
			panic(errors.Errorf("field %q not present, available fields are %v", name, m.Names()))
		}
		list = append(list, node)
	}
	return list
}
