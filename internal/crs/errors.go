package crs

import "fmt"

// ErrInvalid indicates a CRS identifier that could not be parsed or resolved.
type ErrInvalid struct {
	Value  string
	Reason string
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("invalid CRS %q: %s", e.Value, e.Reason)
}

// ErrNoTransform indicates there is no defined transform between two systems.
type ErrNoTransform struct {
	From, To CRS
}

func (e *ErrNoTransform) Error() string {
	return fmt.Sprintf("no transform defined from %s to %s", e.From, e.To)
}

// ErrOutOfDomain indicates a coordinate outside the valid domain of the
// target system (e.g. polar latitudes in Web Mercator).
type ErrOutOfDomain struct {
	X, Y float64
	To   CRS
}

func (e *ErrOutOfDomain) Error() string {
	return fmt.Sprintf("point (%g, %g) outside valid domain of %s", e.X, e.Y, e.To)
}
