package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vesaa/prevsim/internal/models"
)

// ErrNotPending is returned when acting on a request that already left the queue.
var ErrNotPending = errors.New("request is not pending")

// CreateRequest queues an investor operation for the next time step.
func (s *Store) CreateRequest(userID uint, certID *uint, typ models.RequestType, d models.RequestDetails, date string) (*models.Request, error) {
	r := &models.Request{
		Reference:     uuid.NewString(),
		UserID:        userID,
		CertificateID: certID,
		Type:          typ,
		Status:        models.StatusPending,
		Details:       d,
		CreatedDate:   date,
	}
	if err := s.DB.Create(r).Error; err != nil {
		return nil, fmt.Errorf("creating %s request: %w", typ, err)
	}
	return r, nil
}

// RequestFilter narrows ListRequests; zero fields match everything.
type RequestFilter struct {
	UserID        uint
	CertificateID uint
	Status        models.RequestStatus
	Type          models.RequestType
}

// ListRequests returns matching requests. Newest first unless oldestFirst.
func (s *Store) ListRequests(f RequestFilter, oldestFirst bool) ([]models.Request, error) {
	q := s.DB.Model(&models.Request{})
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.CertificateID != 0 {
		q = q.Where("certificate_id = ?", f.CertificateID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if oldestFirst {
		q = q.Order("id")
	} else {
		q = q.Order("id desc")
	}
	var rs []models.Request
	err := q.Find(&rs).Error
	return rs, err
}

// Request looks up a request by ID.
func (s *Store) Request(id uint) (*models.Request, error) {
	var r models.Request
	if err := s.DB.First(&r, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// transition moves a pending request to status.
func (s *Store) transition(id uint, updates map[string]any) error {
	res := s.DB.Model(&models.Request{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.Request(id); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

// CompleteRequest marks a request executed on date.
func (s *Store) CompleteRequest(id uint, date string) error {
	return s.transition(id, map[string]any{"status": models.StatusCompleted, "completed_date": date})
}

// FailRequest marks a request failed with a reason.
func (s *Store) FailRequest(id uint, reason string) error {
	return s.transition(id, map[string]any{"status": models.StatusFailed, "failure_reason": reason})
}

// RejectRequest is the admin refusing a pending request.
func (s *Store) RejectRequest(id uint, reason string) error {
	return s.transition(id, map[string]any{"status": models.StatusRejected, "rejected_reason": reason})
}

// CancelRequest is the investor withdrawing their own pending request.
func (s *Store) CancelRequest(userID, id uint) error {
	r, err := s.Request(id)
	if err != nil {
		return err
	}
	if r.UserID != userID {
		return ErrNotFound
	}
	return s.transition(id, map[string]any{"status": models.StatusCancelled})
}
