package geometry

import "github.com/cockroachdb/errors"

// Row-local failures. A column-wide call turns these into a null slot plus a
// row error and keeps going.
var (
	ErrMalformedGeometry = errors.New("malformed geometry")
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// Call-level failures. These abort the whole call before any output exists.
var (
	ErrIndexOutOfBounds     = errors.New("index out of bounds")
	ErrShapeMismatch        = errors.New("shape mismatch")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrUnsupportedCrsPair   = errors.New("unsupported crs pair")
)

// Malformedf builds a MalformedGeometry error with context.
func Malformedf(format string, args ...any) error {
	return errors.Wrapf(ErrMalformedGeometry, format, args...)
}

// MarkMalformed tags an error coming out of a third-party decoder so that
// errors.Is(err, ErrMalformedGeometry) holds.
func MarkMalformed(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrMalformedGeometry)
}

// KindOf names the taxonomy entry an error belongs to, or "Internal".
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedGeometry):
		return "MalformedGeometry"
	case errors.Is(err, ErrDimensionMismatch):
		return "DimensionMismatch"
	case errors.Is(err, ErrIndexOutOfBounds):
		return "IndexOutOfBounds"
	case errors.Is(err, ErrShapeMismatch):
		return "ShapeMismatch"
	case errors.Is(err, ErrUnsupportedOperation):
		return "UnsupportedOperation"
	case errors.Is(err, ErrUnsupportedCrsPair):
		return "UnsupportedCrsPair"
	default:
		return "Internal"
	}
}

// IsRowLocal reports whether err should be captured per row instead of
// failing the call.
func IsRowLocal(err error) bool {
	return errors.Is(err, ErrMalformedGeometry) || errors.Is(err, ErrDimensionMismatch)
}
