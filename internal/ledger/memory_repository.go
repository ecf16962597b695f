package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository suitable for tests and
// single-instance deployments. All grant consumption happens under a single
// repository-wide mutex so Charge's FIFO walk and Refund's reversal are atomic
// with respect to the balance counter.
type MemoryRepository struct {
	mu sync.Mutex

	balances map[string]*CreditBalance
	grants   map[string][]*CreditGrant // userID -> grants, ordered oldest first
	grantsByExternalPaymentID map[string]*CreditGrant
	transactions map[string][]CreditTransaction // userID -> transactions, newest first
	chargeConsumptions map[string][]GrantConsumption // reference -> consumption (for Refund)
	refundedReferences map[string]bool
}

// NewMemoryRepository constructs an empty in-memory ledger repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		balances:                  make(map[string]*CreditBalance),
		grants:                    make(map[string][]*CreditGrant),
		grantsByExternalPaymentID: make(map[string]*CreditGrant),
		transactions:              make(map[string][]CreditTransaction),
		chargeConsumptions:        make(map[string][]GrantConsumption),
		refundedReferences:        make(map[string]bool),
	}
}

func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) Grant(_ context.Context, userID string, amount int64, source GrantSource, externalPaymentID string, expiresAt *time.Time) (CreditGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if externalPaymentID != "" {
		if existing, ok := r.grantsByExternalPaymentID[externalPaymentID]; ok {
			return *existing, nil
		}
	}

	grant := &CreditGrant{
		ID:                uuid.New().String(),
		UserID:            userID,
		Source:            source,
		ExternalPaymentID: externalPaymentID,
		Amount:            amount,
		Remaining:         amount,
		CreatedAt:         time.Now(),
		ExpiresAt:         expiresAt,
	}
	r.grants[userID] = append(r.grants[userID], grant)
	if externalPaymentID != "" {
		r.grantsByExternalPaymentID[externalPaymentID] = grant
	}

	bal := r.balanceLocked(userID)
	bal.Balance += amount
	bal.UpdatedAt = grant.CreatedAt

	r.appendTxnLocked(CreditTransaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		Kind:      TxnGrant,
		Delta:     amount,
		GrantID:   grant.ID,
		Reference: externalPaymentID,
		CreatedAt: grant.CreatedAt,
	})

	return *grant, nil
}

func (r *MemoryRepository) Charge(_ context.Context, userID string, amount int64, reference string) ([]GrantConsumption, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.chargeConsumptions[reference]; ok {
		return existing, nil
	}

	bal := r.balanceLocked(userID)
	if bal.Balance < amount {
		return nil, ErrInsufficientFunds(userID, amount, bal.Balance)
	}

	now := time.Now()
	remainingToConsume := amount
	var consumed []GrantConsumption
	for _, grant := range r.grants[userID] {
		if remainingToConsume == 0 {
			break
		}
		if grant.Remaining <= 0 || grant.IsExpiredAt(now) {
			continue
		}
		take := grant.Remaining
		if take > remainingToConsume {
			take = remainingToConsume
		}
		grant.Remaining -= take
		remainingToConsume -= take
		consumed = append(consumed, GrantConsumption{GrantID: grant.ID, Amount: take})
	}

	if remainingToConsume > 0 {
		// Should not happen if bal.Balance tracked grants correctly; fail closed.
		for _, c := range consumed {
			r.restoreGrantLocked(userID, c.GrantID, c.Amount)
		}
		return nil, fmt.Errorf("ledger: balance/grant desync for user %s", userID)
	}

	bal.Balance -= amount
	bal.UpdatedAt = now

	r.chargeConsumptions[reference] = consumed
	r.appendTxnLocked(CreditTransaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		Kind:      TxnCharge,
		Delta:     -amount,
		Reference: reference,
		CreatedAt: now,
	})

	return consumed, nil
}

func (r *MemoryRepository) Refund(_ context.Context, userID string, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refundedReferences[reference] {
		return nil
	}

	consumed, ok := r.chargeConsumptions[reference]
	if !ok {
		return ErrChargeNotFound(reference)
	}

	var total int64
	for _, c := range consumed {
		r.restoreGrantLocked(userID, c.GrantID, c.Amount)
		total += c.Amount
	}

	bal := r.balanceLocked(userID)
	bal.Balance += total
	now := time.Now()
	bal.UpdatedAt = now

	r.refundedReferences[reference] = true
	r.appendTxnLocked(CreditTransaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		Kind:      TxnRefund,
		Delta:     total,
		Reference: reference,
		CreatedAt: now,
	})

	return nil
}

func (r *MemoryRepository) Balance(_ context.Context, userID string) (CreditBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.balanceLocked(userID), nil
}

func (r *MemoryRepository) Transactions(_ context.Context, userID string, limit int) ([]CreditTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	txns := r.transactions[userID]
	if limit <= 0 || limit > len(txns) {
		limit = len(txns)
	}
	out := make([]CreditTransaction, limit)
	copy(out, txns[:limit])
	return out, nil
}

// balanceLocked returns the balance record for userID, creating a zero
// balance on first access. Caller must hold r.mu.
func (r *MemoryRepository) balanceLocked(userID string) *CreditBalance {
	bal, ok := r.balances[userID]
	if !ok {
		bal = &CreditBalance{UserID: userID, UpdatedAt: time.Now()}
		r.balances[userID] = bal
	}
	return bal
}

// restoreGrantLocked adds amount back to a grant's remaining balance.
// Caller must hold r.mu.
func (r *MemoryRepository) restoreGrantLocked(userID, grantID string, amount int64) {
	for _, grant := range r.grants[userID] {
		if grant.ID == grantID {
			grant.Remaining += amount
			return
		}
	}
}

// appendTxnLocked prepends a transaction so the history list stays
// newest-first. Caller must hold r.mu.
func (r *MemoryRepository) appendTxnLocked(txn CreditTransaction) {
	r.transactions[txn.UserID] = append([]CreditTransaction{txn}, r.transactions[txn.UserID]...)
}
