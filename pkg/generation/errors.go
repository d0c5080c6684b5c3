package generation

import "errors"

var (
	ErrInvalidStatus         = errors.New("invalid generation status")
	ErrInvalidInputJSON      = errors.New("invalid generation input json")
	ErrInvalidOutputJSON     = errors.New("invalid generation output json")
	ErrInvalidFailureCode    = errors.New("invalid failure code")
	ErrInvalidRecorderConfig = errors.New("invalid recorder config")
	ErrUnknownGeneration     = errors.New("unknown generation")
	ErrGenerationExists      = errors.New("generation already exists")
	ErrGenerationClosed      = errors.New("generation already closed")
)
