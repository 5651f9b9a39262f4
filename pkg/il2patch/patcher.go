package il2patch

import "fmt"

// PatchResult is the outcome of one descriptor against one payload
type PatchResult struct {
	Descriptor PatchDescriptor
	Offset     int // -1 when the find pattern was not located
	Applied    bool
	Before     []byte // original bytes at Offset, set when Applied
	Err        error  // ErrBufferOverrun or ErrLengthMismatch; nil for a plain miss
}

// Missed reports a pattern that was simply not present
func (r PatchResult) Missed() bool {
	return !r.Applied && r.Err == nil
}

// ApplyPatches applies descriptors to buf in order, in place.
// Each descriptor patches at most its first match; later descriptors see
// earlier writes. buf is never resized and a failing descriptor is skipped
// without touching buf.
func ApplyPatches(buf []byte, descs []PatchDescriptor) []PatchResult {
	results := make([]PatchResult, 0, len(descs))
	for _, d := range descs {
		results = append(results, applyOne(buf, d))
	}
	return results
}

func applyOne(buf []byte, d PatchDescriptor) PatchResult {
	res := PatchResult{Descriptor: d, Offset: -1}

	off := Find(buf, d.Find)
	if off < 0 {
		return res
	}
	res.Offset = off

	if off+len(d.Replace) > len(buf) {
		res.Err = fmt.Errorf("%w: %d bytes at offset 0x%X, buffer is %d bytes", ErrBufferOverrun, len(d.Replace), off, len(buf))
		return res
	}
	if len(d.Replace) != len(d.Find) {
		res.Err = fmt.Errorf("%w: find %d bytes, replace %d bytes", ErrLengthMismatch, len(d.Find), len(d.Replace))
		return res
	}

	res.Before = append([]byte(nil), buf[off:off+len(d.Find)]...)
	copy(buf[off:off+len(d.Find)], d.Replace)
	res.Applied = true
	return res
}

// CountApplied returns how many results were applied
func CountApplied(results []PatchResult) int {
	n := 0
	for _, r := range results {
		if r.Applied {
			n++
		}
	}
	return n
}
