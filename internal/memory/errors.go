package memory

import (
	"errors"
	"fmt"
)

// ErrLayerNotFound reports an unknown tier key. Fatal to the enclosing call.
var ErrLayerNotFound = errors.New("memory layer not found")

// ErrUnsupportedOperation reports an operation a tier does not implement
// (for example compression on the session tier). It is an explicit
// failure, never a silent no-op.
var ErrUnsupportedOperation = errors.New("operation not supported by layer")

// LayerNotFound wraps ErrLayerNotFound with the offending id.
func LayerNotFound(id LayerID) error {
	return fmt.Errorf("%w: %q", ErrLayerNotFound, id)
}
