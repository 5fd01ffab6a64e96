// Package engine advances the simulation clock: it moves fund NAVs along
// their return series and executes the requests investors queued.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vesaa/prevsim/internal/models"
	"github.com/vesaa/prevsim/internal/store"
	"github.com/vesaa/prevsim/internal/tax"
)

// MaxSteps bounds one Evolve call to ten simulated years.
const MaxSteps = 120

var (
	ErrSteps             = errors.New("steps must be between 1 and 120")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientCash  = errors.New("insufficient brokerage cash")
	ErrInsufficientFunds = errors.New("insufficient certificate value")
	ErrNoTargets         = errors.New("certificate has no target allocation")
	ErrNoRegime          = errors.New("tax regime not chosen")
	ErrPlanMismatch      = errors.New("plan type mismatch")
	ErrRegimeMismatch    = errors.New("tax regime mismatch")
	ErrQualifiedOnly     = errors.New("fund restricted to qualified investors")
	ErrNoInstitution     = errors.New("institution is required")
)

// ProcessOrder is the order request types run in within one month.
var ProcessOrder = []models.RequestType{
	models.RequestFundSwap,
	models.RequestWithdrawal,
	models.RequestContribution,
	models.RequestPortabilityOut,
	models.RequestBrokerageWithdrawal,
	models.RequestTransferOut,
	models.RequestTransferIn,
}

// StepLog is what happened in one simulated month.
type StepLog struct {
	Month  int      `json:"month"`
	Date   string   `json:"date"`
	Events []string `json:"events"`
}

// Engine runs time steps against a store. Evolve calls are serialized.
type Engine struct {
	store *store.Store
	mu    sync.Mutex
}

// New returns an engine bound to s.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Evolve advances the simulation steps months.
func (e *Engine) Evolve(ctx context.Context, steps int) ([]StepLog, error) {
	if steps < 1 || steps > MaxSteps {
		return nil, fmt.Errorf("%w (got %d)", ErrSteps, steps)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.store.WithContext(ctx)
	var out []StepLog
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		step, err := e.step(st)
		if err != nil {
			return out, err
		}
		out = append(out, step)
	}
	return out, nil
}

func (e *Engine) step(st *store.Store) (StepLog, error) {
	month, err := st.SimMonth()
	if err != nil {
		return StepLog{}, fmt.Errorf("reading sim month: %w", err)
	}
	date, err := st.SimDate()
	if err != nil {
		return StepLog{}, err
	}
	newDate, err := NextMonth(date)
	if err != nil {
		return StepLog{}, err
	}
	step := StepLog{Month: month + 1, Date: newDate, Events: []string{}}

	// NAVs and the clock move together so a month's returns apply once.
	var navEvents []string
	err = st.Transaction(func(tx *store.Store) error {
		var err error
		if navEvents, err = updateNAVs(tx, step.Month); err != nil {
			return fmt.Errorf("updating NAVs: %w", err)
		}
		if err := tx.SetClock(step.Month, step.Date); err != nil {
			return fmt.Errorf("advancing clock: %w", err)
		}
		return nil
	})
	if err != nil {
		return step, err
	}
	step.Events = append(step.Events, navEvents...)

	for _, typ := range ProcessOrder {
		pending, err := st.ListRequests(store.RequestFilter{Status: models.StatusPending, Type: typ}, true)
		if err != nil {
			return step, fmt.Errorf("listing %s requests: %w", typ, err)
		}
		for i := range pending {
			step.Events = append(step.Events, e.run(st, &pending[i], newDate))
		}
	}

	log.Printf("[engine] month %d (%s): %d event(s)", step.Month, step.Date, len(step.Events))
	return step, nil
}

// run executes one request in its own transaction. Failures roll back and
// mark the request failed.
func (e *Engine) run(st *store.Store, r *models.Request, date string) string {
	var event string
	err := st.Transaction(func(tx *store.Store) error {
		var err error
		event, err = execute(tx, r, date)
		if err != nil {
			return err
		}
		return tx.CompleteRequest(r.ID, date)
	})
	if err == nil {
		return event
	}
	log.Printf("[engine] request #%d (%s) failed: %v", r.ID, r.Type, err)
	if ferr := st.FailRequest(r.ID, err.Error()); ferr != nil {
		log.Printf("[engine] marking request #%d failed: %v", r.ID, ferr)
	}
	return fmt.Sprintf("Request #%d (%s) FAILED: %v", r.ID, r.Type, err)
}

func execute(tx *store.Store, r *models.Request, date string) (string, error) {
	switch r.Type {
	case models.RequestFundSwap:
		return fundSwap(tx, r, date)
	case models.RequestWithdrawal:
		return withdrawal(tx, r, date)
	case models.RequestContribution:
		return contribution(tx, r, date)
	case models.RequestPortabilityOut:
		return portability(tx, r, date)
	case models.RequestBrokerageWithdrawal:
		return brokerageWithdrawal(tx, r)
	case models.RequestTransferOut:
		return transferOut(tx, r, date)
	case models.RequestTransferIn:
		return transferIn(tx, r, date)
	}
	return "", fmt.Errorf("unknown request type %q", r.Type)
}

func updateNAVs(tx *store.Store, month int) ([]string, error) {
	funds, err := tx.ListFunds(false)
	if err != nil {
		return nil, err
	}
	var events []string
	for _, f := range funds {
		returns, err := tx.FundReturns(f.ID)
		if err != nil {
			return nil, err
		}
		if len(returns) == 0 {
			continue
		}
		ret := returns[(month-1)%len(returns)]
		nav := f.CurrentNAV * (1 + ret)
		if err := tx.SetNAV(f.ID, nav); err != nil {
			return nil, err
		}
		events = append(events, fmt.Sprintf("Fund '%s': NAV %.4f -> %.4f (%+.2f%%)", f.Name, f.CurrentNAV, nav, ret*100))
	}
	return events, nil
}

// NextMonth moves date forward one calendar month, clamping the day to the
// length of the target month.
func NextMonth(date string) (string, error) {
	t, err := time.Parse(tax.DateLayout, date)
	if err != nil {
		return "", fmt.Errorf("parsing sim date %q: %w", date, err)
	}
	first := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC).Format(tax.DateLayout), nil
}
