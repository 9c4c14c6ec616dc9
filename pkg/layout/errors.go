package layout

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig indicates a sizing constant is out of range.
	ErrInvalidConfig = errors.New("invalid layout config")
	// ErrOverlap indicates two regions share bytes.
	ErrOverlap = errors.New("regions overlap")
	// ErrOutOfRegion indicates an access crossing a region boundary.
	ErrOutOfRegion = errors.New("access outside of region")
)

// OverlapError reports the regions in conflict. B is nil when A
// doesn't fit into the store.
type OverlapError struct {
	A    Region
	B    *Region
	Size int
}

// Error implements error.
func (e *OverlapError) Error() string {
	if e.B == nil {
		return fmt.Sprintf("region %s exceeds NVM size %#x", e.A, e.Size)
	}
	return fmt.Sprintf("region %s overlaps %s", e.A, *e.B)
}

// Unwrap returns ErrOverlap.
func (e *OverlapError) Unwrap() error {
	return ErrOverlap
}

// AccessError is returned for an access not contained by one region.
type AccessError struct {
	Offset int
	Len    int
	Region string
}

// Error implements error.
func (e *AccessError) Error() string {
	if e.Region != "" {
		return fmt.Sprintf("access [%#x,%#x) outside of %s", e.Offset, e.Offset+e.Len, e.Region)
	}
	return fmt.Sprintf("access [%#x,%#x) crosses region boundary", e.Offset, e.Offset+e.Len)
}

// Unwrap returns ErrOutOfRegion.
func (e *AccessError) Unwrap() error {
	return ErrOutOfRegion
}
