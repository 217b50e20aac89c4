// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tilemap describes how the elements of a tensor are placed over the tiles of a target.
package tilemap

import "fmt"

// Interval represents the interval of element indices [Begin, End).
type Interval struct {
	Begin int
	End   int
}

// Len returns the number of elements in the interval.
func (i Interval) Len() int { return i.End - i.Begin }

// Contains returns whether the element index is in the interval.
func (i Interval) Contains(index int) bool { return index >= i.Begin && index < i.End }

// String implements fmt.Stringer.
func (i Interval) String() string { return fmt.Sprintf("[%d, %d)", i.Begin, i.End) }

// EvenPartition parts an Interval into k parts such that the length of each part differ at most 1.
func EvenPartition(r Interval, k int) []Interval {
	quo, rem := divide(r.Len(), k)
	parts := make([]Interval, 0, k)
	offset := r.Begin
	for i := 0; i < k; i++ {
		blockCount := quo
		if i < rem {
			blockCount++
		}
		parts = append(parts, Interval{Begin: offset, End: offset + blockCount})
		offset += blockCount
	}
	return parts
}

func divide(a, b int) (int, int) {
	q := a / b
	r := a - b*q
	return q, r
}
