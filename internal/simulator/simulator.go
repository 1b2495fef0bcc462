package simulator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/umemepay/prepaid-billing/internal/billing"
	"github.com/umemepay/prepaid-billing/internal/db"
	"github.com/umemepay/prepaid-billing/internal/mq"
	"github.com/umemepay/prepaid-billing/internal/units"
)

// Store is the slice of the ledger store the simulator depends on.
type Store interface {
	ListUsers(ctx context.Context) ([]db.User, error)
	CreateConsumptionRecord(ctx context.Context, record *db.ConsumptionRecord) error
	SetUserUnits(ctx context.Context, userID uuid.UUID, units float64) error
}

// ConsumptionPublisher is the slice of the event publisher the simulator needs.
type ConsumptionPublisher interface {
	PublishConsumptionEvent(ctx context.Context, event mq.ConsumptionEvent) error
}

// BalanceSource recomputes available units for a user.
type BalanceSource interface {
	AvailableUnits(ctx context.Context, userID uuid.UUID) (float64, error)
}

const (
	stateStopped = iota
	stateRunning
)

// Simulator drains every user's balance by a fixed rate per tick, recording
// one consumption event per decrement. Exactly one simulator runs per
// deployment; Start and Stop are the only state mutators.
type Simulator struct {
	store     Store
	balances  BalanceSource
	publisher ConsumptionPublisher
	logger    *zap.Logger

	unitsPerTick float64
	interval     time.Duration

	mu     sync.Mutex
	state  int
	cancel context.CancelFunc
	done   chan struct{}
}

// Config holds simulator settings
type Config struct {
	UnitsPerTick float64
	Interval     time.Duration
}

// New creates a new consumption simulator in the STOPPED state.
func New(store Store, balances BalanceSource, publisher ConsumptionPublisher, cfg Config, logger *zap.Logger) *Simulator {
	return &Simulator{
		store:        store,
		balances:     balances,
		publisher:    publisher,
		logger:       logger,
		unitsPerTick: cfg.UnitsPerTick,
		interval:     cfg.Interval,
	}
}

// Start transitions STOPPED -> RUNNING and begins the periodic tick.
// Starting an already-running simulator is a logged no-op.
func (s *Simulator) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateRunning {
		s.logger.Info("consumption simulator already running, start ignored")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = stateRunning

	s.logger.Info("consumption simulator started",
		zap.Float64("units_per_tick", s.unitsPerTick),
		zap.Duration("interval", s.interval),
	)

	go s.run(runCtx, s.done)
}

// Stop transitions RUNNING -> STOPPED and cancels the pending tick. In-flight
// per-user operations in the current tick are allowed to complete. Stopping
// an already-stopped simulator is a logged no-op.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if s.state == stateStopped {
		s.mu.Unlock()
		s.logger.Info("consumption simulator not running, stop ignored")
		return
	}

	s.state = stateStopped
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("consumption simulator stopped")
}

// Running reports whether the simulator is in the RUNNING state.
func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

func (s *Simulator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// Still RUNNING here means the Start context was cancelled from
		// outside rather than by Stop; reflect that so Running() stays
		// truthful and a later Start is accepted.
		if s.state == stateRunning {
			s.state = stateStopped
			s.logger.Info("consumption simulator halted, context cancelled")
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick drains every user once. Per-user failures are logged and skipped so a
// single bad row never starves the rest of the fleet.
func (s *Simulator) tick(ctx context.Context) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		s.logger.Error("consumption tick failed to list users", zap.Error(err))
		return
	}

	for i := range users {
		if ctx.Err() != nil {
			return
		}
		if err := s.consumeForUser(ctx, &users[i]); err != nil {
			s.logger.Error("consumption failed for user",
				zap.String("user_id", users[i].ID.String()),
				zap.String("meter_number", users[i].MeterNumber),
				zap.Error(err),
			)
		}
	}
}

func (s *Simulator) consumeForUser(ctx context.Context, user *db.User) error {
	available, err := s.balances.AvailableUnits(ctx, user.ID)
	if err != nil {
		return err
	}

	// Users already at zero are skipped; no negative balance is ever recorded.
	if available <= 0 {
		return nil
	}

	consumed := s.unitsPerTick
	if consumed > available {
		consumed = available
	}
	consumed = units.Round2(consumed)
	after := units.Round2(available - consumed)

	record := &db.ConsumptionRecord{
		UserID:        user.ID,
		UnitsConsumed: consumed,
		UnitsBefore:   available,
		UnitsAfter:    after,
		Rate:          s.unitsPerTick,
		Kind:          db.ConsumptionAutomatic,
	}
	if err := s.store.CreateConsumptionRecord(ctx, record); err != nil {
		return err
	}

	if err := s.store.SetUserUnits(ctx, user.ID, after); err != nil {
		return err
	}

	if s.publisher != nil {
		event := mq.ConsumptionEvent{
			UserID:        user.ID.String(),
			MeterNumber:   user.MeterNumber,
			UnitsConsumed: consumed,
			UnitsAfter:    after,
			Kind:          db.ConsumptionAutomatic,
			RecordedAt:    record.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := s.publisher.PublishConsumptionEvent(ctx, event); err != nil {
			s.logger.Warn("failed to publish consumption event",
				zap.String("user_id", user.ID.String()), zap.Error(err))
		}
	}

	return nil
}

var _ BalanceSource = (*billing.Calculator)(nil)
