package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

// Scheduler evolves the simulation one month per cron tick.
type Scheduler struct {
	Cron   *cron.Cron
	Engine *Engine
	Ctx    context.Context
}

// NewScheduler creates a scheduler running spec (six fields, with seconds).
func NewScheduler(ctx context.Context, e *Engine, spec string) (*Scheduler, error) {
	s := &Scheduler{
		Cron:   cron.New(cron.WithSeconds()),
		Engine: e,
		Ctx:    ctx,
	}
	if _, err := s.Cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("register evolve task %q: %w", spec, err)
	}
	return s, nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	log.Println("[cron] scheduler started")
}

// Stop stops the scheduler and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	log.Println("[cron] scheduler stopped")
}

func (s *Scheduler) tick() {
	steps, err := s.Engine.Evolve(s.Ctx, 1)
	if err != nil {
		log.Printf("[cron] evolve: %v", err)
		return
	}
	for _, st := range steps {
		log.Printf("[cron] evolved to month %d (%s)", st.Month, st.Date)
	}
}
