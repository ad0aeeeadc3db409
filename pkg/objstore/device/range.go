package device

// Range is a half-open byte range [Start, End) of the device.
type Range struct {
	Start uint64
	End   uint64
}

// Length returns the range's size in bytes.
func (r Range) Length() uint64 {
	return r.End - r.Start
}

// Valid reports whether the range is well-formed and non-empty.
func (r Range) Valid() bool {
	return r.Start < r.End
}

// Intersects reports whether the two ranges share any byte.
func (r Range) Intersects(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}
