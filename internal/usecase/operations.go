package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/palmvein/internal/audit"
	"github.com/example/palmvein/internal/classifier"
	"github.com/example/palmvein/internal/identity"
	"github.com/example/palmvein/internal/logging"
	"github.com/example/palmvein/internal/repository"
)

var (
	// ErrModelNotReady is returned when the classifier cannot serve requests.
	ErrModelNotReady = errors.New("model is not loaded")
	// ErrHistoryUnavailable is returned when no attempt database is configured.
	ErrHistoryUnavailable = errors.New("attempt history is not configured")
)

// InputError reports a request the caller must correct.
type InputError struct {
	Status  int
	Message string
}

func (e *InputError) Error() string { return e.Message }

// AttemptHistory is the query side of the audit database.
type AttemptHistory interface {
	ListByIdentity(ctx context.Context, id string, limit int) ([]*repository.AttemptLog, error)
	CountByOutcome(ctx context.Context) ([]repository.OutcomeCount, error)
}

// Predict classifies an image without any identity check. No lockout state
// is consulted and no audit record is written.
func (uc *AuthenticationUseCase) Predict(ctx context.Context, requestID, filename string, image []byte) (*classifier.Prediction, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	if !uc.Ready() {
		return nil, ErrModelNotReady
	}
	if filename == "" || len(image) == 0 {
		return nil, &InputError{Status: http.StatusBadRequest, Message: "no file uploaded"}
	}
	if !uc.AllowedFile(filename) {
		return nil, &InputError{Status: http.StatusUnsupportedMediaType, Message: "file type not allowed"}
	}
	if _, err := uc.uploads.Save(ctx, requestID, filename, image); err != nil {
		opLogger.Error("failed to persist upload", zap.Error(err))
		return nil, logging.NewOperationError("usecase.save_upload", requestID, err)
	}

	pred, err := uc.classify(ctx, image)
	if err != nil {
		opLogger.Error("prediction failed", zap.Error(err))
		return nil, err
	}
	opLogger.Info("prediction served",
		zap.String("predicted_identity", string(pred.ClassName)),
		zap.Float64("confidence", pred.Confidence))
	return pred, nil
}

// LockoutStatus describes one identity's lockout state at a point in time.
type LockoutStatus struct {
	Identity        string     `json:"identity"`
	FailureCount    int        `json:"failure_count"`
	LastFailureTime *time.Time `json:"last_failure_time"`
	Locked          bool       `json:"locked"`
	RetryAfter      int        `json:"retry_after"`
}

// LockoutStatus reports the current state of id.
func (uc *AuthenticationUseCase) LockoutStatus(ctx context.Context, id string) (*LockoutStatus, error) {
	state, err := uc.tracker.State(ctx, identity.Identity(id))
	if err != nil {
		return nil, logging.NewOperationError("usecase.lockout_status", "", err)
	}
	locked, retryAfter := uc.tracker.Policy().Locked(state, uc.now())
	return &LockoutStatus{
		Identity:        id,
		FailureCount:    state.FailureCount,
		LastFailureTime: state.LastFailure,
		Locked:          locked,
		RetryAfter:      int(retryAfter / time.Second),
	}, nil
}

// ResetLockout clears id's failure state, the same as a successful match.
// operator names who asked for it and is only logged.
func (uc *AuthenticationUseCase) ResetLockout(ctx context.Context, id, operator string) error {
	release := uc.tracker.Acquire(identity.Identity(id))
	defer release()

	if err := uc.tracker.RecordSuccess(ctx, identity.Identity(id)); err != nil {
		return logging.NewOperationError("usecase.reset_lockout", "", err)
	}
	uc.logger.Info("lockout reset by operator", zap.String("identity", id), zap.String("operator", operator))
	return nil
}

// RecentAttempts returns the newest audit records that claimed id.
func (uc *AuthenticationUseCase) RecentAttempts(ctx context.Context, id string, limit int) ([]audit.Record, error) {
	if uc.history == nil {
		return nil, ErrHistoryUnavailable
	}
	logs, err := uc.history.ListByIdentity(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts for %s: %w", id, err)
	}
	records := make([]audit.Record, 0, len(logs))
	for _, l := range logs {
		records = append(records, l.ToRecord())
	}
	return records, nil
}
