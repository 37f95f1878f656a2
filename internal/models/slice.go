package models

import (
	"sort"
)

// Slice represents a single histology slide with metadata from the project
// manifest. Slices are created once at project initialization and are
// immutable afterwards.
type Slice struct {
	// UniqueID is the stable identifier of the slide, used to derive all
	// per-slice filenames in the project directory.
	UniqueID string

	// ZPos is the physical position of the slide along the sectioning axis.
	ZPos float64

	// RawFilename is the absolute path to the source image of the slide.
	RawFilename string
}

// SliceRef is a reference to a slice in a z-ordered view of the stack.
// Ordering is by (z, index) so that slides sharing a z position have a
// deterministic order.
type SliceRef struct {
	// Z is the z position of the referenced slice.
	Z float64

	// Index is the position of the slice in the manifest (insertion) order.
	Index int
}

// Less reports whether r sorts before other in the z-ordered view.
func (r SliceRef) Less(other SliceRef) bool {
	if r.Z != other.Z {
		return r.Z < other.Z
	}
	return r.Index < other.Index
}

// SortedRefs returns the z-sorted view of a slice list. The input order is
// the manifest order; the result is sorted by (z, index).
func SortedRefs(slices []Slice) []SliceRef {
	refs := make([]SliceRef, len(slices))
	for i, s := range slices {
		refs[i] = SliceRef{Z: s.ZPos, Index: i}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	return refs
}
