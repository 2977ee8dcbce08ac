// Package credit provides repositories for intent persistence.
package credit

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrIntentNotFound is returned when an intent is not found.
var ErrIntentNotFound = errors.New("intent not found")

// IntentRepository defines methods for intent persistence.
type IntentRepository interface {
	Insert(intent *Intent) error
	GetByID(id string) (*Intent, error)
	GetByUserID(userID string) (*Intent, error)
	Update(intent *Intent) error
}

// InMemoryIntentRepository implements IntentRepository with in-memory storage.
type InMemoryIntentRepository struct {
	mu      sync.RWMutex
	intents map[string]*Intent
	byUser  map[string]string
}

// NewInMemoryIntentRepository creates a new in-memory intent repository.
func NewInMemoryIntentRepository() *InMemoryIntentRepository {
	return &InMemoryIntentRepository{
		intents: make(map[string]*Intent),
		byUser:  make(map[string]string),
	}
}

// Insert adds a new intent.
func (r *InMemoryIntentRepository) Insert(intent *Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if intent.ID == "" {
		intent.ID = uuid.New().String()
	}

	now := time.Now()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	intent.UpdatedAt = now

	// Deep copy to prevent external mutation
	copied := *intent
	r.intents[intent.ID] = &copied
	r.byUser[intent.UserID] = intent.ID

	return nil
}

// GetByID retrieves an intent by ID.
func (r *InMemoryIntentRepository) GetByID(id string) (*Intent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	intent, ok := r.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}

	copied := *intent
	return &copied, nil
}

// GetByUserID retrieves the intent owned by the given user.
func (r *InMemoryIntentRepository) GetByUserID(userID string) (*Intent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byUser[userID]
	if !ok {
		return nil, ErrIntentNotFound
	}

	copied := *r.intents[id]
	return &copied, nil
}

// Update updates an existing intent.
func (r *InMemoryIntentRepository) Update(intent *Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.intents[intent.ID]; !ok {
		return ErrIntentNotFound
	}

	intent.UpdatedAt = time.Now()

	copied := *intent
	r.intents[intent.ID] = &copied

	return nil
}
