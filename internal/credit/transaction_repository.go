// Package credit provides the append-only transaction log with event-id
// uniqueness, the idempotency backstop for webhook replays.
package credit

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTransactionNotFound is returned when a transaction is not found.
var ErrTransactionNotFound = errors.New("transaction not found")

// ErrDuplicateEvent is returned when inserting a transaction whose external
// event id has already been recorded. Callers treat this as "already
// processed" and no-op.
var ErrDuplicateEvent = errors.New("webhook event already processed")

// TransactionRepository defines methods for the audit log.
type TransactionRepository interface {
	// Insert appends a transaction row. When the row carries an external
	// event id that is already present, Insert returns ErrDuplicateEvent
	// and writes nothing; the uniqueness check and the write happen inside
	// one critical section so concurrent duplicate deliveries cannot both
	// claim the same event.
	Insert(tx *Transaction) error
	GetByEventID(eventID string) (*Transaction, error)
	ListByPayment(paymentID string) ([]*Transaction, error)
	// BackfillObjectID attaches the provider object id to an existing row.
	// The only permitted post-creation mutation.
	BackfillObjectID(txID, objectID string) error
}

// InMemoryTransactionRepository implements TransactionRepository with in-memory storage.
type InMemoryTransactionRepository struct {
	mu      sync.RWMutex
	rows    map[string]*Transaction
	byEvent map[string]string // event id -> transaction id (unique)
	ordered []string
}

// NewInMemoryTransactionRepository creates a new in-memory transaction repository.
func NewInMemoryTransactionRepository() *InMemoryTransactionRepository {
	return &InMemoryTransactionRepository{
		rows:    make(map[string]*Transaction),
		byEvent: make(map[string]string),
	}
}

// Insert appends a transaction row, enforcing event-id uniqueness.
func (r *InMemoryTransactionRepository) Insert(tx *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tx.ExternalEventID != nil {
		if _, exists := r.byEvent[*tx.ExternalEventID]; exists {
			return ErrDuplicateEvent
		}
	}

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}

	copied := cloneTransaction(tx)
	r.rows[tx.ID] = copied
	r.ordered = append(r.ordered, tx.ID)
	if tx.ExternalEventID != nil {
		r.byEvent[*tx.ExternalEventID] = tx.ID
	}

	return nil
}

// GetByEventID retrieves the transaction recorded for a provider event id.
func (r *InMemoryTransactionRepository) GetByEventID(eventID string) (*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEvent[eventID]
	if !ok {
		return nil, ErrTransactionNotFound
	}

	return cloneTransaction(r.rows[id]), nil
}

// ListByPayment returns all transactions for a payment in append order.
func (r *InMemoryTransactionRepository) ListByPayment(paymentID string) ([]*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Transaction
	for _, id := range r.ordered {
		if row := r.rows[id]; row.PaymentID == paymentID {
			result = append(result, cloneTransaction(row))
		}
	}

	return result, nil
}

// BackfillObjectID attaches the provider object id to an existing row.
func (r *InMemoryTransactionRepository) BackfillObjectID(txID, objectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[txID]
	if !ok {
		return ErrTransactionNotFound
	}

	row.ExternalObjectID = &objectID
	return nil
}

// cloneTransaction deep-copies a transaction including pointer and map fields.
func cloneTransaction(tx *Transaction) *Transaction {
	copied := *tx
	copied.ExternalEventID = cloneStr(tx.ExternalEventID)
	copied.ExternalObjectID = cloneStr(tx.ExternalObjectID)
	if tx.Metadata != nil {
		copied.Metadata = make(map[string]string, len(tx.Metadata))
		for k, v := range tx.Metadata {
			copied.Metadata[k] = v
		}
	}
	return &copied
}
