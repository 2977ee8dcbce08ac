// Package user holds the account data the payment flows gate on: ban state,
// KYC validation and the links to the user's home and search records.
package user

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maisonswap/maisonswap/internal/validate"
)

// ErrUserNotFound is returned when a user is not found.
var ErrUserNotFound = errors.New("user not found")

// User is the account profile as seen by the payments subsystem. HomeID and
// SearchID reference the user's outgoing-home listing and swap search; both
// must be present before purchased credit puts the user into the matching
// flow.
type User struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	Banned      bool    `json:"banned"`
	KYCVerified bool    `json:"kyc_verified"`
	HomeID      *string `json:"home_id,omitempty"`
	SearchID    *string `json:"search_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Links returns the user's home and search references.
func (u *User) Links() (home, search *string) {
	return u.HomeID, u.SearchID
}

// Repository defines storage operations for users.
type Repository interface {
	Insert(user *User) error
	GetByID(id string) (*User, error)
	Update(user *User) error
}

// InMemoryRepository is an in-memory implementation of Repository.
type InMemoryRepository struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewInMemoryRepository creates a new in-memory user repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{users: make(map[string]*User)}
}

// Insert adds a user, assigning an id when absent. The email is normalized
// to its lowercased, trimmed form before storage.
func (r *InMemoryRepository) Insert(user *User) error {
	email, err := validate.Email(user.Email)
	if err != nil {
		return fmt.Errorf("invalid email: %w", err)
	}
	user.Email = email

	r.mu.Lock()
	defer r.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	r.users[user.ID] = cloneUser(user)
	return nil
}

// GetByID retrieves a user by id.
func (r *InMemoryRepository) GetByID(id string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(user), nil
}

// Update replaces an existing user.
func (r *InMemoryRepository) Update(user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[user.ID]; !ok {
		return ErrUserNotFound
	}
	user.UpdatedAt = time.Now()
	r.users[user.ID] = cloneUser(user)
	return nil
}

func cloneUser(u *User) *User {
	copied := *u
	if u.HomeID != nil {
		v := *u.HomeID
		copied.HomeID = &v
	}
	if u.SearchID != nil {
		v := *u.SearchID
		copied.SearchID = &v
	}
	return &copied
}
