// Package xslices provides the few generic slice helpers used across embdist.
package xslices

import (
	"golang.org/x/exp/constraints"
)

// At returns the element at the given index, where a negative index counts
// from the end of the slice.
func At[T any](slice []T, index int) T {
	if index < 0 {
		index = len(slice) + index
	}
	return slice[index]
}

// Last returns the last element of a slice.
func Last[T any](slice []T) T {
	return At(slice, -1)
}

// Copy creates a new (shallow) copy of the slice. A shortcut to a call to
// `make` followed by `copy`.
func Copy[T any](slice []T) []T {
	if len(slice) == 0 {
		return nil
	}
	slice2 := make([]T, len(slice))
	copy(slice2, slice)
	return slice2
}

// Fill sets every element of the slice to the given value.
func Fill[T any](slice []T, value T) {
	for ii := range slice {
		slice[ii] = value
	}
}

// Iota returns a slice of the given length with values `start, start+1, ...`.
func Iota[T constraints.Integer](start T, length int) []T {
	slice := make([]T, length)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return slice
}

// CumSum converts counts into inclusive prefix sums, in place, and returns
// the total.
func CumSum[T constraints.Integer](slice []T) T {
	var total T
	for ii := range slice {
		total += slice[ii]
		slice[ii] = total
	}
	return total
}

// ExclusiveCumSum writes into out the exclusive prefix sums of counts and
// returns the total. The two slices must have the same length and may alias.
func ExclusiveCumSum[T constraints.Integer](counts, out []T) T {
	var total T
	for ii := range counts {
		c := counts[ii]
		out[ii] = total
		total += c
	}
	return total
}

// Sum adds up all elements.
func Sum[T constraints.Integer](slice []T) T {
	var total T
	for _, v := range slice {
		total += v
	}
	return total
}
