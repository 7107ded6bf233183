// Package cyclelog assembles the structured record of one trading cycle.
//
// The orchestrator opens a record at cycle start, the trading modules feed
// it stages, transactions, snapshots and errors as they run, and EndCycle
// seals it: end time set, dangling stage closed, money totals rolled up
// from the transaction list, record appended to the store. Sealed records
// are never mutated again.
package cyclelog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"marketbot/internal/clock"
	"marketbot/pkg/types"
)

// Sink receives sealed cycle records. *store.Store satisfies it.
type Sink interface {
	AppendCycleRecord(ctx context.Context, rec types.CycleRecord) error
}

// Logger builds one cycle record at a time. It is driven from the
// orchestrator's single goroutine and is not safe for concurrent use.
type Logger struct {
	clock  clock.Clock
	sink   Sink
	logger *slog.Logger

	rec       *types.CycleRecord
	openStage int // index into rec.Stages, -1 when none
}

// New returns a logger writing sealed records to sink.
func New(clk clock.Clock, sink Sink, logger *slog.Logger) *Logger {
	return &Logger{
		clock:     clk,
		sink:      sink,
		logger:    logger.With("component", "cycle"),
		openStage: -1,
	}
}

// Active reports whether a cycle record is open.
func (l *Logger) Active() bool { return l.rec != nil }

// CycleID returns the open cycle's id, or empty when none is open.
func (l *Logger) CycleID() string {
	if l.rec == nil {
		return ""
	}
	return l.rec.ID
}

// StartCycle opens a fresh record and returns its id. An already-open
// record is sealed as failed first; that indicates a bug in the caller's
// sequencing and is logged as such.
func (l *Logger) StartCycle() string {
	if l.rec != nil {
		l.logger.Error("cycle record left open, sealing as failed", "cycle_id", l.rec.ID)
		_, _ = l.EndCycle(context.Background(), false, false)
	}
	id := uuid.NewString()
	l.rec = &types.CycleRecord{
		ID:        id,
		StartedAt: l.clock.Now(),
	}
	l.openStage = -1
	l.logger.Info("cycle started", "cycle_id", id)
	return id
}

// StartStage opens a named stage. A still-open previous stage is closed
// as failed.
func (l *Logger) StartStage(name string) {
	if l.rec == nil {
		return
	}
	l.closeDanglingStage()
	l.rec.Stages = append(l.rec.Stages, types.StageRecord{
		Name:      name,
		StartedAt: l.clock.Now(),
	})
	l.openStage = len(l.rec.Stages) - 1
	l.logger.Debug("stage started", "cycle_id", l.rec.ID, "stage", name)
}

// EndStage closes the open stage with the given outcome. A non-nil err is
// also recorded against the stage.
func (l *Logger) EndStage(outcome types.Outcome, err error) {
	if l.rec == nil || l.openStage < 0 {
		return
	}
	st := &l.rec.Stages[l.openStage]
	st.Duration = l.clock.Now().Sub(st.StartedAt)
	st.Success = outcome == types.OutcomeOK && err == nil
	if err != nil {
		l.RecordError(st.Name, err)
	}
	l.logger.Info("stage finished",
		"cycle_id", l.rec.ID,
		"stage", st.Name,
		"outcome", string(outcome),
		"duration", st.Duration,
		"success", st.Success,
	)
	l.openStage = -1
}

func (l *Logger) closeDanglingStage() {
	if l.rec == nil || l.openStage < 0 {
		return
	}
	st := &l.rec.Stages[l.openStage]
	st.Duration = l.clock.Now().Sub(st.StartedAt)
	st.Success = false
	l.openStage = -1
}

// RecordBefore attaches the pre-trading resource snapshot.
func (l *Logger) RecordBefore(snap types.ResourceSnapshot) {
	if l.rec == nil {
		return
	}
	s := snap
	l.rec.Before = &s
}

// RecordAfter attaches the post-trading resource snapshot.
func (l *Logger) RecordAfter(snap types.ResourceSnapshot) {
	if l.rec == nil {
		return
	}
	s := snap
	l.rec.After = &s
}

// RecordTransaction appends one transaction to the open record.
func (l *Logger) RecordTransaction(tx types.Transaction) {
	if l.rec == nil {
		return
	}
	l.rec.Transactions = append(l.rec.Transactions, tx)
}

// RecordError attributes a failure to a stage.
func (l *Logger) RecordError(stage string, err error) {
	if l.rec == nil || err == nil {
		return
	}
	l.rec.Errors = append(l.rec.Errors, types.CycleError{
		Stage:   stage,
		Message: err.Error(),
		At:      l.clock.Now(),
	})
}

// EndCycle seals the open record and appends it to the sink. A cancelled
// cycle is never successful. The returned record is the sealed copy; it is
// returned even when the sink write fails so callers can still broadcast it.
//
// Sealing must survive the cancellation that triggered it, so the sink
// write uses a context detached from ctx's cancellation.
func (l *Logger) EndCycle(ctx context.Context, success, cancelled bool) (types.CycleRecord, error) {
	if l.rec == nil {
		return types.CycleRecord{}, fmt.Errorf("no open cycle record")
	}
	l.closeDanglingStage()

	rec := l.rec
	l.rec = nil

	rec.EndedAt = l.clock.Now()
	rec.Cancelled = cancelled
	rec.Success = success && !cancelled
	rec.TotalSpent, rec.TotalEarned = rollUp(rec.Transactions)
	rec.NetProfit = rec.TotalEarned - rec.TotalSpent

	l.logger.Info("cycle sealed",
		"cycle_id", rec.ID,
		"success", rec.Success,
		"cancelled", rec.Cancelled,
		"duration", rec.EndedAt.Sub(rec.StartedAt),
		"transactions", len(rec.Transactions),
		"spent", rec.TotalSpent,
		"earned", rec.TotalEarned,
		"net", rec.NetProfit,
	)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := l.sink.AppendCycleRecord(writeCtx, *rec); err != nil {
		l.logger.Error("persist cycle record", "cycle_id", rec.ID, "error", err)
		return *rec, fmt.Errorf("persist cycle record: %w", err)
	}
	return *rec, nil
}

// rollUp computes money totals from the transaction list. Purchases with
// unknown status count as spent (funds may have left the account); failed
// ones do not. Earned counts successful sale listings at their asking total.
func rollUp(txs []types.Transaction) (spent, earned int64) {
	for _, tx := range txs {
		switch tx.Kind {
		case types.TxPurchase:
			if tx.Status == types.TxSuccess || tx.Status == types.TxUnknown {
				spent += tx.Total
			}
		case types.TxSale:
			if tx.Status == types.TxSuccess {
				earned += tx.Total
			}
		}
	}
	return spent, earned
}
