package models

import "errors"

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidLocation = errors.New("invalid location")
	ErrDegenerateRoute = errors.New("degenerate route")
)

// IsInvalidRequest reports whether err should be surfaced to the rider as a
// 400. Location errors count as bad requests at the boundary.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrInvalidLocation)
}
