package guidance

import "errors"

var (
	// ErrUnsupportedConfiguration is returned for combinations of options the
	// diffuser refuses to run, such as sequential guidance with regional prompts.
	ErrUnsupportedConfiguration = errors.New("guidance: unsupported configuration")

	// ErrShapeMismatch is returned when tensors handed to the diffuser disagree
	// on a dimension they must share. It indicates a caller bug.
	ErrShapeMismatch = errors.New("guidance: shape mismatch")

	ErrInvalidStep               = errors.New("guidance: invalid step")
	ErrInvalidControlSignal      = errors.New("guidance: invalid control signal")
	ErrInvalidCrossAttentionArgs = errors.New("guidance: invalid cross-attention arguments")
)
