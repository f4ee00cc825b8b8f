package classifier

import (
	"errors"
	"fmt"
)

// Kind classifies why a prediction could not be produced.
type Kind int

const (
	// KindNone is returned by KindOf for a nil error.
	KindNone Kind = iota
	// KindModelUnavailable means the model is not loaded or not reachable.
	KindModelUnavailable
	// KindDecode means the upload is not a readable image.
	KindDecode
	// KindInference means the model ran but failed or returned garbage.
	KindInference
	// KindTimeout means inference did not finish before the deadline.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindModelUnavailable:
		return "model_unavailable"
	case KindDecode:
		return "decode"
	case KindInference:
		return "inference"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrModelUnavailable is returned by a Model that cannot serve predictions.
var ErrModelUnavailable = errors.New("model unavailable")

// Error is the failure result of Adapter.Predict.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindModelUnavailable:
		return fmt.Sprintf("model unavailable: %v", e.Err)
	case KindDecode:
		return fmt.Sprintf("could not read image: %v", e.Err)
	case KindTimeout:
		return fmt.Sprintf("prediction timed out: %v", e.Err)
	default:
		return fmt.Sprintf("prediction failed: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err. Errors that did not come from
// the adapter are treated as inference failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInference
}
