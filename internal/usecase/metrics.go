package usecase

import (
	"context"

	"github.com/example/palmvein/internal/audit"
)

// AttemptSummary represents aggregated authentication outcomes.
type AttemptSummary struct {
	TotalAttempts int64            `json:"total_attempts"`
	Granted       int64            `json:"granted"`
	Denied        int64            `json:"denied"`
	Locked        int64            `json:"locked"`
	GrantRate     float64          `json:"grant_rate"`
	ByOutcome     map[string]int64 `json:"by_outcome"`
}

// GetAttemptSummary aggregates authentication outcomes from persisted attempts.
func (uc *AuthenticationUseCase) GetAttemptSummary(ctx context.Context) (*AttemptSummary, error) {
	if uc.history == nil {
		return nil, ErrHistoryUnavailable
	}
	counts, err := uc.history.CountByOutcome(ctx)
	if err != nil {
		return nil, err
	}

	summary := &AttemptSummary{ByOutcome: make(map[string]int64, len(counts))}
	for _, c := range counts {
		summary.ByOutcome[c.Outcome] = c.Total
		summary.TotalAttempts += c.Total
		switch audit.Outcome(c.Outcome) {
		case audit.OutcomeGranted:
			summary.Granted = c.Total
		case audit.OutcomeDenied:
			summary.Denied = c.Total
		case audit.OutcomeLocked:
			summary.Locked = c.Total
		}
	}

	if decided := summary.Granted + summary.Denied; decided > 0 {
		summary.GrantRate = float64(summary.Granted) / float64(decided)
	}

	return summary, nil
}
