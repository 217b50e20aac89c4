// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tilegraph

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// variable is the storage declared in a Graph. Tensors are views over it.
type variable struct {
	graph    *Graph
	id       int
	name     string
	dtype    dtypes.DType
	dims     []int
	size     int
	constant bool

	// tileOf holds the tile of each element, or tilemap.Unmapped.
	tileOf []int

	// initial is a flat slice of the Go type of dtype, with the initial values. It may be nil.
	initial any
}

// Tensor is a view over a contiguous range of the elements of a variable declared in a Graph.
//
// Tensors are values: Index and Slice return new views, they never copy data.
type Tensor struct {
	v     *variable
	begin int // Offset of the first element in the variable.
	dims  []int
}

// Valid returns whether the Tensor refers to a variable. The zero value is not valid.
func (t Tensor) Valid() bool { return t.v != nil }

// AssertValid panics if the tensor is not valid.
func (t Tensor) AssertValid() {
	if t.v == nil {
		exceptions.Panicf("invalid (zero) tilegraph.Tensor used")
	}
}

// Graph the tensor belongs to.
func (t Tensor) Graph() *Graph { return t.v.graph }

// Name of the variable the tensor is a view of.
func (t Tensor) Name() string { return t.v.name }

// DType of the elements.
func (t Tensor) DType() dtypes.DType { return t.v.dtype }

// Shape returns a copy of the dimensions of the tensor. A scalar has no dimensions.
func (t Tensor) Shape() []int { return slices.Clone(t.dims) }

// Rank returns the number of axes.
func (t Tensor) Rank() int { return len(t.dims) }

// IsConstant returns whether the tensor is a view over a constant.
func (t Tensor) IsConstant() bool { return t.v.constant }

// NumElements returns the number of elements of the tensor. Scalars have 1 element.
func (t Tensor) NumElements() int {
	n := 1
	for _, dim := range t.dims {
		n *= dim
	}
	return n
}

// elements returns the range [begin, end) of the variable elements covered by the tensor.
func (t Tensor) elements() (begin, end int) {
	return t.begin, t.begin + t.NumElements()
}

// Index returns the sub-tensor at position i of the outermost axis.
// E.g. for a tensor shaped [5, 10], Index(2) returns a tensor shaped [10] holding the third row.
func (t Tensor) Index(i int) Tensor {
	t.AssertValid()
	if t.Rank() == 0 {
		exceptions.Panicf("cannot Index scalar tensor %s", t)
	}
	if i < 0 || i >= t.dims[0] {
		exceptions.Panicf("Index(%d) out of bounds for tensor %s", i, t)
	}
	inner := t.dims[1:]
	stride := 1
	for _, dim := range inner {
		stride *= dim
	}
	return Tensor{v: t.v, begin: t.begin + i*stride, dims: slices.Clone(inner)}
}

// Slice returns the sub-tensor [begin, end) along the outermost axis.
func (t Tensor) Slice(begin, end int) Tensor {
	t.AssertValid()
	if t.Rank() == 0 {
		exceptions.Panicf("cannot Slice scalar tensor %s", t)
	}
	if begin < 0 || end > t.dims[0] || begin >= end {
		exceptions.Panicf("Slice(%d, %d) invalid for tensor %s", begin, end, t)
	}
	stride := t.NumElements() / t.dims[0]
	dims := slices.Clone(t.dims)
	dims[0] = end - begin
	return Tensor{v: t.v, begin: t.begin + begin*stride, dims: dims}
}

// Flatten returns a rank-1 view of the same elements.
func (t Tensor) Flatten() Tensor {
	t.AssertValid()
	return Tensor{v: t.v, begin: t.begin, dims: []int{t.NumElements()}}
}

// String implements fmt.Stringer.
func (t Tensor) String() string {
	if t.v == nil {
		return "Tensor<invalid>"
	}
	return fmt.Sprintf("%s%v(%s)", t.v.name, t.dims, t.v.dtype)
}
