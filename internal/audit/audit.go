// Package audit records every authentication attempt in an append-only trail.
package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Outcome is the terminal state of one authentication attempt.
type Outcome string

const (
	OutcomeGranted  Outcome = "GRANTED"
	OutcomeDenied   Outcome = "DENIED"
	OutcomeLocked   Outcome = "LOCKED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeFailed   Outcome = "FAILED"
	OutcomeError    Outcome = "ERROR"
)

// Placeholder stands in for absent fields in the text trail.
const Placeholder = "N/A"

// Record is one immutable audit entry. Optional fields are nil when the
// attempt ended before they were known.
type Record struct {
	Timestamp         time.Time `json:"timestamp"`
	RequestID         string    `json:"request_id"`
	ClaimedIdentity   *string   `json:"claimed_identity"`
	PredictedIdentity *string   `json:"predicted_identity"`
	Outcome           Outcome   `json:"outcome"`
	Filename          *string   `json:"filename"`
	Confidence        *float64  `json:"confidence"`
	Error             *string   `json:"error"`
}

// Line renders r as a single human-readable line with a fixed field order.
// Newlines inside values are escaped so one record is always one line.
func (r Record) Line() string {
	var b strings.Builder
	b.WriteString(r.Timestamp.UTC().Format(time.RFC3339Nano))
	writeField(&b, "request_id", orPlaceholder(&r.RequestID))
	writeField(&b, "claimed", orPlaceholder(r.ClaimedIdentity))
	writeField(&b, "predicted", orPlaceholder(r.PredictedIdentity))
	writeField(&b, "outcome", string(r.Outcome))
	writeField(&b, "file", orPlaceholder(r.Filename))
	confidence := Placeholder
	if r.Confidence != nil {
		confidence = strconv.FormatFloat(*r.Confidence, 'f', 4, 64)
	}
	writeField(&b, "confidence", confidence)
	writeField(&b, "error", orPlaceholder(r.Error))
	b.WriteByte('\n')
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	b.WriteString(" | ")
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(lineEscaper.Replace(value))
}

var lineEscaper = strings.NewReplacer("\\", `\\`, "\n", `\n`, "\r", `\r`, "|", `\|`)

func orPlaceholder(s *string) string {
	if s == nil || *s == "" {
		return Placeholder
	}
	return *s
}

// Sink is a destination for audit records.
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// WriteError reports that one or more sinks could not store a record.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("audit write failed: %v", e.Err) }

func (e *WriteError) Unwrap() error { return e.Err }

// DefaultSecondaryTimeout bounds each secondary sink write.
const DefaultSecondaryTimeout = 2 * time.Second

// Logger fans a record out to its primary sink and any secondary sinks.
type Logger struct {
	primary          Sink
	secondary        []Sink
	secondaryTimeout time.Duration
	logger           *zap.Logger
}

// NewLogger builds a Logger. Secondary sinks are attempted even when the
// primary fails.
func NewLogger(primary Sink, logger *zap.Logger, secondary ...Sink) *Logger {
	return &Logger{
		primary:          primary,
		secondary:        secondary,
		secondaryTimeout: DefaultSecondaryTimeout,
		logger:           logger.Named("audit"),
	}
}

// WithSecondaryTimeout replaces the per-write bound on secondary sinks.
func (l *Logger) WithSecondaryTimeout(d time.Duration) *Logger {
	if d > 0 {
		l.secondaryTimeout = d
	}
	return l
}

// Append writes r to every sink. It never fails on formatting; a non-nil
// error is always a *WriteError naming the sink failures.
func (l *Logger) Append(ctx context.Context, r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	var errs error
	if err := l.primary.Write(ctx, r); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("primary: %w", err))
	}
	for i, sink := range l.secondary {
		if err := l.writeSecondary(ctx, sink, r); err != nil {
			l.logger.Warn("secondary audit sink failed", zap.Int("sink", i), zap.Error(err), zap.String("request_id", r.RequestID))
			errs = multierr.Append(errs, fmt.Errorf("secondary %d: %w", i, err))
		}
	}
	if errs != nil {
		return &WriteError{Err: errs}
	}
	return nil
}

// writeSecondary detaches from the caller's cancellation so a disconnected
// client still gets its attempt recorded, and bounds the write so an
// unreachable backend cannot stall the caller.
func (l *Logger) writeSecondary(ctx context.Context, sink Sink, r Record) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.secondaryTimeout)
	defer cancel()
	return sink.Write(ctx, r)
}
