package store

import (
	"errors"
	"fmt"

	"github.com/vesaa/prevsim/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrBadCredentials is returned by Authenticate for an unknown user or a wrong password.
var ErrBadCredentials = errors.New("invalid username or password")

// CreateUser creates an investor and an empty brokerage account.
func (s *Store) CreateUser(username, password string, retail bool) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	u := &models.User{Username: username, IsRetail: retail, PasswordHash: string(hash)}
	err = s.Transaction(func(tx *Store) error {
		if err := tx.DB.Create(u).Error; err != nil {
			return err
		}
		// gorm writes the column default for a zero bool.
		if !retail {
			if err := tx.DB.Model(u).Update("is_retail", false).Error; err != nil {
				return err
			}
		}
		return tx.DB.Create(&models.BrokerageAccount{UserID: u.ID}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("creating user %q: %w", username, err)
	}
	return u, nil
}

// Authenticate checks username and password.
func (s *Store) Authenticate(username, password string) (*models.User, error) {
	u, err := s.UserByUsername(username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrBadCredentials
	}
	return u, nil
}

// User looks up a user by ID.
func (s *Store) User(id uint) (*models.User, error) {
	var u models.User
	if err := s.DB.First(&u, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// UserByUsername looks up a user by name.
func (s *Store) UserByUsername(username string) (*models.User, error) {
	var u models.User
	if err := s.DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// UpdateUser renames a user and sets the retail flag. A non-empty password
// replaces the current one.
func (s *Store) UpdateUser(id uint, username, password string, retail bool) error {
	if _, err := s.User(id); err != nil {
		return err
	}
	fields := map[string]any{"username": username, "is_retail": retail}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}
		fields["password_hash"] = string(hash)
	}
	if err := s.DB.Model(&models.User{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		return fmt.Errorf("updating user %q: %w", username, err)
	}
	return nil
}

// ListUsers returns all users by ID.
func (s *Store) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.DB.Order("id").Find(&users).Error
	return users, err
}

// DeleteUser removes a user with every certificate, request and cash balance.
func (s *Store) DeleteUser(id uint) error {
	return s.Transaction(func(tx *Store) error {
		var certIDs []uint
		if err := tx.DB.Model(&models.Certificate{}).Where("user_id = ?", id).Pluck("id", &certIDs).Error; err != nil {
			return err
		}
		for _, cid := range certIDs {
			if err := tx.DeleteCertificate(cid); err != nil {
				return err
			}
		}
		if err := tx.DB.Unscoped().Where("user_id = ?", id).Delete(&models.Request{}).Error; err != nil {
			return err
		}
		if err := tx.DB.Where("user_id = ?", id).Delete(&models.BrokerageAccount{}).Error; err != nil {
			return err
		}
		res := tx.DB.Unscoped().Delete(&models.User{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Cash returns the brokerage balance, creating the account when missing.
func (s *Store) Cash(userID uint) (float64, error) {
	acct := models.BrokerageAccount{UserID: userID}
	if err := s.DB.Where(models.BrokerageAccount{UserID: userID}).FirstOrCreate(&acct).Error; err != nil {
		return 0, err
	}
	return acct.Cash, nil
}

// SetCash overwrites the brokerage balance.
func (s *Store) SetCash(userID uint, amount float64) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"cash"}),
	}).Create(&models.BrokerageAccount{UserID: userID, Cash: amount}).Error
}

// AddCash credits (or, negative, debits) the brokerage balance.
func (s *Store) AddCash(userID uint, delta float64) error {
	if _, err := s.Cash(userID); err != nil {
		return err
	}
	return s.DB.Model(&models.BrokerageAccount{}).Where("user_id = ?", userID).
		Update("cash", gorm.Expr("cash + ?", delta)).Error
}
