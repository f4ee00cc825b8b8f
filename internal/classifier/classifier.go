// Package classifier turns an uploaded palm image into a top-1 identity prediction.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/palmvein/internal/identity"
)

var tracer = otel.Tracer("github.com/example/palmvein/internal/classifier")

// Prediction is the top-1 result for one image. Confidence is the maximum
// output score; it ranks classes but is not a calibrated probability.
type Prediction struct {
	ClassID    int
	ClassName  identity.Identity
	Confidence float64
}

// Model exposes the subset of the inference backend used by the adapter.
type Model interface {
	Ready() bool
	Predict(ctx context.Context, tensor *Tensor) ([]float32, error)
}

// Adapter normalizes images for the model and maps its output onto identities.
type Adapter struct {
	model     Model
	labels    *identity.Set
	imageSize int
	maxDim    int
	timeout   time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithImageSize overrides the square input resolution.
func WithImageSize(size int) Option {
	return func(a *Adapter) {
		if size > 0 {
			a.imageSize = size
		}
	}
}

// WithMaxDimension overrides the largest accepted image width or height.
func WithMaxDimension(pixels int) Option {
	return func(a *Adapter) {
		if pixels > 0 {
			a.maxDim = pixels
		}
	}
}

// WithTimeout bounds each inference call. Zero disables the bound.
func WithTimeout(timeout time.Duration) Option {
	return func(a *Adapter) {
		a.timeout = timeout
	}
}

// NewAdapter wraps model. labels must list class names in model output order.
func NewAdapter(model Model, labels *identity.Set, opts ...Option) *Adapter {
	a := &Adapter{
		model:     model,
		labels:    labels,
		imageSize: DefaultImageSize,
		maxDim:    DefaultMaxDimension,
		timeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ready reports whether the underlying model can serve predictions.
func (a *Adapter) Ready() bool {
	return a != nil && a.model != nil && a.model.Ready()
}

// Predict classifies the image read from r. Failures are returned as *Error.
func (a *Adapter) Predict(ctx context.Context, r io.Reader) (*Prediction, error) {
	ctx, span := tracer.Start(ctx, "classifier.predict")
	defer span.End()

	pred, err := a.predict(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).String())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("palmvein.predicted_identity", string(pred.ClassName)),
		attribute.Float64("palmvein.confidence", pred.Confidence),
	)
	return pred, nil
}

func (a *Adapter) predict(ctx context.Context, r io.Reader) (*Prediction, error) {
	if !a.Ready() {
		return nil, &Error{Kind: KindModelUnavailable, Err: ErrModelUnavailable}
	}

	tensor, err := Preprocess(r, a.imageSize, a.maxDim)
	if err != nil {
		return nil, &Error{Kind: KindDecode, Err: err}
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	scores, err := a.model.Predict(ctx, tensor)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, &Error{Kind: KindTimeout, Err: err}
		case errors.Is(err, ErrModelUnavailable):
			return nil, &Error{Kind: KindModelUnavailable, Err: err}
		default:
			return nil, &Error{Kind: KindInference, Err: err}
		}
	}

	if len(scores) == 0 || len(scores) != a.labels.Len() {
		return nil, &Error{Kind: KindInference, Err: fmt.Errorf("model returned %d scores for %d classes", len(scores), a.labels.Len())}
	}

	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	name, _ := a.labels.At(best)

	return &Prediction{
		ClassID:    best,
		ClassName:  name,
		Confidence: float64(scores[best]),
	}, nil
}
