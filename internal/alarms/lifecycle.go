package alarms

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	apperrors "alarm-trader/internal/errors"
	"alarm-trader/internal/logging"
	"alarm-trader/internal/models"
	"alarm-trader/internal/notify"
	"alarm-trader/internal/store"
)

// Lifecycle moves alarms between the intake file and the store.
type Lifecycle struct {
	intake     *Intake
	store      store.AlarmStore
	indicators models.Indicators
	notifier   notify.Notifier
	logger     zerolog.Logger
}

// NewLifecycle creates a Lifecycle.
func NewLifecycle(intake *Intake, st store.AlarmStore, indicators models.Indicators, notifier notify.Notifier, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		intake:     intake,
		store:      st,
		indicators: indicators,
		notifier:   notifier,
		logger:     logging.WithOperation(logger, "lifecycle"),
	}
}

// Sync applies the intake file to the store and returns the active alarms
// in random order.
func (l *Lifecycle) Sync(ctx context.Context) ([]models.Alarm, error) {
	malformed, err := l.intake.Sanitize(l.indicators)
	if err != nil {
		return nil, fmt.Errorf("sanitizing intake: %w", err)
	}
	for _, line := range malformed {
		notify.Alert(ctx, l.notifier, l.logger,
			fmt.Sprintf("Alarm input %q is malformed and will not be considered, please check that it has been typed correctly.", line))
	}

	if err := l.applyWithdrawals(ctx); err != nil {
		return nil, err
	}

	alarms, rejected, err := l.intake.TakeNewAlarms()
	if err != nil {
		return nil, fmt.Errorf("reading new alarms: %w", err)
	}
	for _, r := range rejected {
		notify.Alert(ctx, l.notifier, l.logger,
			fmt.Sprintf("Alarm line %q was not added: %v", r.Line, r.Reason))
	}
	if len(alarms) > 0 {
		if err := l.store.UpsertAlarms(ctx, alarms); err != nil {
			return nil, fmt.Errorf("storing new alarms: %w", err)
		}
		l.logger.Info().Int("count", len(alarms)).Msg("New alarms registered")
	}

	return l.store.ActiveAlarms(ctx)
}

func (l *Lifecycle) applyWithdrawals(ctx context.Context) error {
	refs, err := l.intake.Withdrawals()
	if err != nil {
		return fmt.Errorf("reading withdrawals: %w", err)
	}
	if len(refs) == 0 {
		return nil
	}

	var errs error
	for _, ref := range refs {
		changed, err := l.store.UpdateAlarms(ctx, []models.AlarmRef{ref}, store.FieldActive, false)
		if err != nil {
			return fmt.Errorf("deactivating alarms: %w", err)
		}
		// The withdrawal line itself is always removed; more means pending
		// lines for the same alarm were cancelled before registration.
		removed, err := l.intake.RemoveRef(ref)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if changed == 0 && removed <= 1 {
			notify.Alert(ctx, l.notifier, l.logger, fmt.Sprintf("Withdrawal %q matched no alarm, nothing was withdrawn.", WithdrawalLine(ref)))
			continue
		}
		l.logger.Info().Str("ticker", ref.Ticker).Str("target", ref.Target).Int64("alarms", changed).Msg("Alarm withdrawn")
	}
	return errs
}

// Remove deletes an alarm from the store and its lines from the intake.
func (l *Lifecycle) Remove(ctx context.Context, ref models.AlarmRef) error {
	_, ierr := l.intake.RemoveRef(ref)
	_, serr := l.store.DeleteAlarms(ctx, ref)
	return multierr.Combine(ierr, serr)
}

// Finalize removes handled alarms from the store and queues matching
// withdrawals in the intake. Any failure wraps ErrFatalRemoval: an alarm
// that stays active could submit its order again.
func (l *Lifecycle) Finalize(ctx context.Context, refs []models.AlarmRef) error {
	if len(refs) == 0 {
		return nil
	}

	var (
		errs  error
		lines = make([]string, 0, len(refs))
	)
	for _, ref := range refs {
		lines = append(lines, WithdrawalLine(ref))
		if _, err := l.store.DeleteAlarms(ctx, ref); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	errs = multierr.Append(errs, l.intake.Append(lines...))

	if errs != nil {
		keys := make([]string, len(refs))
		for i, ref := range refs {
			keys[i] = ref.Ticker + "," + ref.Target
		}
		return fmt.Errorf("%w: %s: %v", apperrors.ErrFatalRemoval, strings.Join(keys, "; "), errs)
	}
	return nil
}
