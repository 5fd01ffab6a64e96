// Package store is the PrevSim database layer.
// It initializes GORM with SQLite and wraps every query the portal, the
// admin backend and the time engine need.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/vesaa/prevsim/internal/config"
	"github.com/vesaa/prevsim/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a gorm handle. Inside Transaction the handle is the transaction.
type Store struct {
	DB *gorm.DB
}

// Open opens the database, runs AutoMigrate and seeds the simulation clock.
func Open(cfg *config.Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DBPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	default:
		return nil, fmt.Errorf("unsupported db_driver %q (use 'sqlite')", cfg.DBDriver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{DB: db}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	if err := s.InitSimState(cfg.SimStartDate); err != nil {
		return nil, err
	}
	log.Printf("[db] opened %s/%s", cfg.DBDriver, cfg.DBPath)
	return s, nil
}

// Migrate creates or upgrades every table.
func (s *Store) Migrate() error {
	if err := s.DB.AutoMigrate(
		&models.User{}, &models.BrokerageAccount{}, &models.SimState{},
		&models.Plan{}, &models.Fund{}, &models.FundReturn{},
		&models.Certificate{}, &models.Holding{}, &models.TargetAllocation{},
		&models.Contribution{}, &models.Withdrawal{}, &models.LotAllocation{},
		&models.Request{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithContext returns a store whose queries honour ctx.
func (s *Store) WithContext(ctx context.Context) *Store {
	return &Store{DB: s.DB.WithContext(ctx)}
}

// Transaction runs fn against a transactional store. Any error rolls back.
func (s *Store) Transaction(fn func(tx *Store) error) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}

// Reset drops every table and migrates again.
func (s *Store) Reset(startDate string) error {
	if err := s.DB.Migrator().DropTable(
		&models.Request{}, &models.LotAllocation{}, &models.Withdrawal{},
		&models.Contribution{}, &models.TargetAllocation{}, &models.Holding{},
		&models.Certificate{}, &models.FundReturn{}, &models.Fund{}, &models.Plan{},
		&models.SimState{}, &models.BrokerageAccount{}, &models.User{},
	); err != nil {
		return fmt.Errorf("dropping tables: %w", err)
	}
	if err := s.Migrate(); err != nil {
		return err
	}
	log.Printf("[db] reset, simulation restarts at %s", startDate)
	return s.InitSimState(startDate)
}

// Counts is the admin dashboard summary.
type Counts struct {
	Users        int64 `json:"users"`
	Plans        int64 `json:"plans"`
	Funds        int64 `json:"funds"`
	Certificates int64 `json:"certificates"`
	Pending      int64 `json:"pending_requests"`
}

// Counts returns row counts for the dashboard.
func (s *Store) Counts() (Counts, error) {
	var c Counts
	for _, q := range []struct {
		model any
		dst   *int64
	}{
		{&models.User{}, &c.Users},
		{&models.Plan{}, &c.Plans},
		{&models.Fund{}, &c.Funds},
		{&models.Certificate{}, &c.Certificates},
	} {
		if err := s.DB.Model(q.model).Count(q.dst).Error; err != nil {
			return c, err
		}
	}
	err := s.DB.Model(&models.Request{}).Where("status = ?", models.StatusPending).Count(&c.Pending).Error
	return c, err
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
