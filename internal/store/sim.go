package store

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vesaa/prevsim/internal/models"
	"gorm.io/gorm/clause"
)

const (
	keyMonth  = "current_month"
	keyDate   = "current_date"
	keyPortIn = "external_portin_schedule"
)

// InitSimState seeds the clock unless it already exists.
func (s *Store) InitSimState(startDate string) error {
	rows := []models.SimState{
		{Key: keyMonth, Value: "0"},
		{Key: keyDate, Value: startDate},
	}
	return s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (s *Store) getState(key string) (string, bool, error) {
	var row models.SimState
	err := s.DB.Where("key = ?", key).Limit(1).Find(&row).Error
	if err != nil {
		return "", false, err
	}
	return row.Value, row.Key != "", nil
}

func (s *Store) setState(key, value string) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&models.SimState{Key: key, Value: value}).Error
}

// SimMonth is the number of months evolved so far.
func (s *Store) SimMonth() (int, error) {
	v, ok, err := s.getState(keyMonth)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.Atoi(v)
}

// SimDate is the current simulation date, YYYY-MM-DD.
func (s *Store) SimDate() (string, error) {
	v, ok, err := s.getState(keyDate)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("simulation clock: %w", ErrNotFound)
	}
	return v, nil
}

// SetClock stores the month counter and date together.
func (s *Store) SetClock(month int, date string) error {
	if err := s.setState(keyMonth, strconv.Itoa(month)); err != nil {
		return err
	}
	return s.setState(keyDate, date)
}

func iofKey(userID uint, year int) string {
	return fmt.Sprintf("iof_declared_%d_%d", userID, year)
}

// IOFDeclaration is what the investor declared contributing to VGBL plans at
// other issuers in year.
func (s *Store) IOFDeclaration(userID uint, year int) (float64, error) {
	v, ok, err := s.getState(iofKey(userID, year))
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseFloat(v, 64)
}

// SetIOFDeclaration replaces the declaration for year.
func (s *Store) SetIOFDeclaration(userID uint, year int, amount float64) error {
	return s.setState(iofKey(userID, year), strconv.FormatFloat(amount, 'f', 2, 64))
}

// PortInSchedule is how external port-ins are split into backdated lots.
func (s *Store) PortInSchedule() ([]models.PortInTranche, error) {
	v, ok, err := s.getState(keyPortIn)
	if err != nil {
		return nil, err
	}
	if !ok {
		return append([]models.PortInTranche(nil), models.DefaultPortInSchedule...), nil
	}
	var out []models.PortInTranche
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, fmt.Errorf("decoding port-in schedule: %w", err)
	}
	return out, nil
}

// SetPortInSchedule replaces the port-in schedule.
func (s *Store) SetPortInSchedule(sched []models.PortInTranche) error {
	raw, err := json.Marshal(sched)
	if err != nil {
		return err
	}
	return s.setState(keyPortIn, string(raw))
}
