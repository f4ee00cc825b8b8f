package usecase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/palmvein/internal/audit"
	"github.com/example/palmvein/internal/classifier"
	"github.com/example/palmvein/internal/identity"
	"github.com/example/palmvein/internal/lockout"
	"github.com/example/palmvein/internal/logging"
	"github.com/example/palmvein/internal/metrics"
)

var tracer = otel.Tracer("github.com/example/palmvein/internal/usecase")

// Classifier predicts the identity shown in an image.
type Classifier interface {
	Ready() bool
	Predict(ctx context.Context, r io.Reader) (*classifier.Prediction, error)
}

// LockoutTracker is the subset of *lockout.Tracker the engine needs.
type LockoutTracker interface {
	Acquire(id identity.Identity) func()
	IsLocked(ctx context.Context, id identity.Identity, now time.Time) (bool, time.Duration, error)
	RecordFailure(ctx context.Context, id identity.Identity, now time.Time) (lockout.State, error)
	RecordSuccess(ctx context.Context, id identity.Identity) error
	State(ctx context.Context, id identity.Identity) (lockout.State, error)
	Policy() lockout.Policy
}

// AuditLog appends audit records.
type AuditLog interface {
	Append(ctx context.Context, r audit.Record) error
}

// UploadStore persists uploaded images.
type UploadStore interface {
	Save(ctx context.Context, requestID, filename string, data []byte) (string, error)
}

// MatchStatus compares the claimed and predicted identities.
type MatchStatus string

const (
	MatchStatusMatch    MatchStatus = "MATCH"
	MatchStatusMismatch MatchStatus = "MISMATCH"
)

// DefaultAllowedExtensions are the upload types accepted for authentication.
var DefaultAllowedExtensions = []string{"png", "jpg", "jpeg", "bmp", "gif", "tiff"}

// AuthRequest is one authentication attempt.
type AuthRequest struct {
	RequestID       string
	ClaimedIdentity string
	Filename        string
	Image           []byte
}

// AuthResponse is the body returned to the client. Absent values encode as null.
type AuthResponse struct {
	Prediction      *string      `json:"prediction"`
	Confidence      *float64     `json:"confidence"`
	Filename        *string      `json:"filename"`
	Error           *string      `json:"error"`
	ClaimedIdentity *string      `json:"claimed_identity"`
	AccessGranted   bool         `json:"access_granted"`
	MatchStatus     *MatchStatus `json:"match_status"`
	RetryAfter      *int         `json:"retry_after,omitempty"`
}

// Decision is the engine's verdict: an HTTP status, the response body and
// the outcome written to the audit trail.
type Decision struct {
	RequestID string
	Status    int
	Outcome   audit.Outcome
	Response  AuthResponse
}

// AuthenticationUseCase is the decision engine: it validates the request,
// consults the lockout tracker, classifies the image, compares identities,
// updates lockout state and writes exactly one audit record per attempt.
type AuthenticationUseCase struct {
	classifier Classifier
	tracker    LockoutTracker
	audit      AuditLog
	uploads    UploadStore
	history    AttemptHistory
	logger     *zap.Logger
	now        func() time.Time
	allowed    map[string]struct{}
}

// Option configures an AuthenticationUseCase.
type Option func(*AuthenticationUseCase)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(uc *AuthenticationUseCase) {
		uc.now = now
	}
}

// WithAllowedExtensions replaces the accepted upload extensions (without dots).
func WithAllowedExtensions(exts ...string) Option {
	return func(uc *AuthenticationUseCase) {
		uc.allowed = extensionSet(exts)
	}
}

// WithHistory enables the operator queries backed by the audit database.
func WithHistory(history AttemptHistory) Option {
	return func(uc *AuthenticationUseCase) {
		uc.history = history
	}
}

// NewAuthenticationUseCase wires the engine's collaborators.
func NewAuthenticationUseCase(cls Classifier, tracker LockoutTracker, auditLog AuditLog, uploads UploadStore, logger *zap.Logger, opts ...Option) *AuthenticationUseCase {
	uc := &AuthenticationUseCase{
		classifier: cls,
		tracker:    tracker,
		audit:      auditLog,
		uploads:    uploads,
		logger:     logger.Named("authentication_usecase"),
		now:        time.Now,
		allowed:    extensionSet(DefaultAllowedExtensions),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

func extensionSet(exts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		set[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
	}
	return set
}

// AllowedFile reports whether filename has an accepted image extension.
func (uc *AuthenticationUseCase) AllowedFile(filename string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	_, ok := uc.allowed[ext]
	return ok
}

// Ready reports whether the classifier can serve requests.
func (uc *AuthenticationUseCase) Ready() bool {
	return uc.classifier != nil && uc.classifier.Ready()
}

// Authenticate runs one attempt to completion. It never returns nil and
// every path appends exactly one audit record.
func (uc *AuthenticationUseCase) Authenticate(ctx context.Context, req AuthRequest) *Decision {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx, span := tracer.Start(ctx, "usecase.authenticate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("palmvein.request_id", req.RequestID)))
	defer span.End()

	at := &attempt{
		uc:     uc,
		logger: logging.WithOperation(uc.logger, "usecase.authenticate", req.RequestID),
		record: audit.Record{RequestID: req.RequestID, Timestamp: uc.now().UTC()},
		decision: &Decision{
			RequestID: req.RequestID,
		},
	}

	claimed := strings.TrimSpace(req.ClaimedIdentity)
	if claimed != "" {
		at.record.ClaimedIdentity = &claimed
		at.decision.Response.ClaimedIdentity = &claimed
	}
	if req.Filename != "" {
		filename := req.Filename
		at.record.Filename = &filename
		at.decision.Response.Filename = &filename
	}

	decision := uc.decide(ctx, at, identity.Identity(claimed), req)
	span.SetAttributes(
		attribute.String("palmvein.outcome", string(decision.Outcome)),
		attribute.Int("http.status_code", decision.Status),
	)
	return decision
}

func (uc *AuthenticationUseCase) decide(ctx context.Context, at *attempt, claimed identity.Identity, req AuthRequest) *Decision {
	if !uc.Ready() {
		return at.fail(ctx, http.StatusInternalServerError, audit.OutcomeError, "model is not loaded")
	}
	if claimed == "" {
		return at.fail(ctx, http.StatusBadRequest, audit.OutcomeRejected, "claimed_identity is required")
	}
	if req.Filename == "" {
		return at.fail(ctx, http.StatusBadRequest, audit.OutcomeRejected, "no file uploaded")
	}
	if len(req.Image) == 0 {
		return at.fail(ctx, http.StatusBadRequest, audit.OutcomeRejected, "uploaded file is empty")
	}

	at.release = uc.tracker.Acquire(claimed)
	defer at.unlock()

	locked, retryAfter, err := uc.tracker.IsLocked(ctx, claimed, uc.now())
	if err != nil {
		at.logger.Error("lockout check failed", zap.Error(err))
		return at.fail(ctx, http.StatusInternalServerError, audit.OutcomeError, "lockout state unavailable")
	}
	if locked {
		seconds := int(retryAfter / time.Second)
		at.decision.Response.RetryAfter = &seconds
		at.logger.Info("attempt blocked by lockout", zap.String("identity", string(claimed)), zap.Int("retry_after", seconds))
		return at.fail(ctx, http.StatusTooManyRequests, audit.OutcomeLocked,
			fmt.Sprintf("too many failed attempts; retry in %d seconds", seconds))
	}

	if !uc.AllowedFile(req.Filename) {
		return at.fail(ctx, http.StatusUnsupportedMediaType, audit.OutcomeRejected, "file type not allowed")
	}

	if _, err := uc.uploads.Save(ctx, req.RequestID, req.Filename, req.Image); err != nil {
		wrapped := logging.NewOperationError("usecase.save_upload", req.RequestID, err)
		at.logger.Error("failed to persist upload", zap.Error(wrapped))
		return at.fail(ctx, http.StatusInternalServerError, audit.OutcomeError, "failed to store upload")
	}

	pred, err := uc.classify(ctx, req.Image)
	if err != nil {
		outcome := audit.OutcomeFailed
		if classifier.KindOf(err) == classifier.KindModelUnavailable {
			outcome = audit.OutcomeError
		}
		at.logger.Error("prediction failed", zap.Error(err), zap.Stringer("kind", classifier.KindOf(err)))
		return at.fail(ctx, http.StatusInternalServerError, outcome, err.Error())
	}

	predicted := string(pred.ClassName)
	confidence := pred.Confidence
	at.record.PredictedIdentity = &predicted
	at.record.Confidence = &confidence
	at.decision.Response.Prediction = &predicted
	at.decision.Response.Confidence = &confidence

	status := MatchStatusMismatch
	outcome := audit.OutcomeDenied
	if pred.ClassName == claimed {
		status = MatchStatusMatch
		outcome = audit.OutcomeGranted
		if err := uc.tracker.RecordSuccess(ctx, claimed); err != nil {
			at.logger.Error("failed to reset lockout state", zap.Error(err))
		}
	} else if _, err := uc.tracker.RecordFailure(ctx, claimed, uc.now()); err != nil {
		at.logger.Error("failed to record failed match", zap.Error(err))
	}

	at.decision.Response.AccessGranted = status == MatchStatusMatch
	at.decision.Response.MatchStatus = &status
	at.logger.Info("authentication decided",
		zap.String("claimed_identity", string(claimed)),
		zap.String("predicted_identity", predicted),
		zap.Float64("confidence", confidence),
		zap.String("outcome", string(outcome)))
	return at.finish(ctx, http.StatusOK, outcome)
}

func (uc *AuthenticationUseCase) classify(ctx context.Context, image []byte) (*classifier.Prediction, error) {
	start := time.Now()
	pred, err := uc.classifier.Predict(ctx, bytes.NewReader(image))
	result := "ok"
	if err != nil {
		result = classifier.KindOf(err).String()
	}
	metrics.ObserveClassification(result, time.Since(start))
	return pred, err
}

// attempt accumulates the response and audit record for one request.
type attempt struct {
	uc       *AuthenticationUseCase
	logger   *zap.Logger
	record   audit.Record
	decision *Decision
	release  func()
}

// unlock releases the identity lock if it is still held.
func (a *attempt) unlock() {
	if a.release != nil {
		a.release()
		a.release = nil
	}
}

func (a *attempt) fail(ctx context.Context, status int, outcome audit.Outcome, message string) *Decision {
	a.decision.Response.Error = &message
	a.record.Error = &message
	return a.finish(ctx, status, outcome)
}

// finish writes the audit record. Lockout state is settled by now, so the
// identity lock is released before any sink is written. Audit failures are
// logged and never change the decision.
func (a *attempt) finish(ctx context.Context, status int, outcome audit.Outcome) *Decision {
	a.decision.Status = status
	a.decision.Outcome = outcome
	a.record.Outcome = outcome
	a.unlock()

	metrics.ObserveAttempt(string(outcome))
	if err := a.uc.audit.Append(ctx, a.record); err != nil {
		metrics.IncAuditWriteFailure()
		a.logger.Error("failed to write audit record", zap.Error(err))
	}
	return a.decision
}
