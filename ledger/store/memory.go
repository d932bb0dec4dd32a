// Package store provides an in-memory ledger.Store for tests and demos.
package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/chatforge/tokenledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// entry pairs a transaction with its insertion sequence. The sequence is the
// append order the sweeper's replay relies on, and the pagination cursor.
type entry struct {
	seq int64
	tx  ledger.TokenTransaction
}

type Memory struct {
	mu       sync.Mutex
	balances map[ledger.UserID]int64
	entries  []entry
	events   map[string]int // external event ID -> entries index
	byID     map[ledger.TransactionID]int
	nextSeq  int64
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[ledger.UserID]int64),
		events:   make(map[string]int),
		byID:     make(map[ledger.TransactionID]int),
	}
}

// WithTx serializes all units behind one mutex and simulates rollback with a
// snapshot, the same shape the SQLite store gets from real transactions.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memoryTx{store: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *Memory) GetBalance(_ context.Context, userID ledger.UserID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *Memory) ListTransactions(_ context.Context, userID ledger.UserID, cursor string, limit int) (ledger.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := int64(1<<62 - 1)
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return ledger.Page{}, err
		}
		before = parsed
	}

	var page ledger.Page
	for i := len(m.entries) - 1; i >= 0 && len(page.Transactions) < limit; i-- {
		e := m.entries[i]
		if e.tx.UserID != userID || e.seq >= before {
			continue
		}
		page.Transactions = append(page.Transactions, e.tx)
		page.NextCursor = strconv.FormatInt(e.seq, 10)
	}
	if len(page.Transactions) < limit {
		page.NextCursor = ""
	}
	return page, nil
}

func (m *Memory) UsersWithExpired(_ context.Context, now time.Time) ([]ledger.UserID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[ledger.UserID]bool)
	var users []ledger.UserID
	for _, e := range m.entries {
		t := e.tx
		if t.IsExpirable() && t.ReversedBy == "" && !t.ExpiresAt.After(now) && !seen[t.UserID] {
			seen[t.UserID] = true
			users = append(users, t.UserID)
		}
	}
	return users, nil
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

// memoryTx operates directly on the parent; WithTx restores the snapshot on
// error, giving all-or-nothing semantics.
type memoryTx struct {
	store *Memory
}

func (t *memoryTx) BalanceForUpdate(_ context.Context, userID ledger.UserID) (int64, bool, error) {
	balance, exists := t.store.balances[userID]
	return balance, exists, nil
}

func (t *memoryTx) SaveBalance(_ context.Context, userID ledger.UserID, balance int64) error {
	t.store.balances[userID] = balance
	return nil
}

func (t *memoryTx) InsertTransaction(_ context.Context, tx ledger.TokenTransaction) error {
	if tx.ExternalEventID != "" {
		if _, dup := t.store.events[tx.ExternalEventID]; dup {
			return ledger.ErrDuplicateEvent
		}
	}

	t.store.nextSeq++
	idx := len(t.store.entries)
	t.store.entries = append(t.store.entries, entry{seq: t.store.nextSeq, tx: tx})
	t.store.byID[tx.ID] = idx
	if tx.ExternalEventID != "" {
		t.store.events[tx.ExternalEventID] = idx
	}
	return nil
}

func (t *memoryTx) FindByExternalEventID(_ context.Context, eventID string) (*ledger.TokenTransaction, error) {
	idx, ok := t.store.events[eventID]
	if !ok {
		return nil, nil
	}
	tx := t.store.entries[idx].tx
	return &tx, nil
}

func (t *memoryTx) UserTransactions(_ context.Context, userID ledger.UserID) ([]ledger.TokenTransaction, error) {
	var txs []ledger.TokenTransaction
	for _, e := range t.store.entries {
		if e.tx.UserID == userID {
			txs = append(txs, e.tx)
		}
	}
	return txs, nil
}

func (t *memoryTx) MarkReversed(_ context.Context, grantID, reversalID ledger.TransactionID) error {
	idx, ok := t.store.byID[grantID]
	if !ok {
		return ledger.ErrStorageConflict
	}
	t.store.entries[idx].tx.ReversedBy = reversalID
	return nil
}

// =============================================================================
// SNAPSHOT / RESTORE
// =============================================================================

type memorySnapshot struct {
	balances map[ledger.UserID]int64
	entries  []entry
	events   map[string]int
	byID     map[ledger.TransactionID]int
	nextSeq  int64
}

func (m *Memory) snapshot() memorySnapshot {
	balances := make(map[ledger.UserID]int64, len(m.balances))
	for k, v := range m.balances {
		balances[k] = v
	}
	events := make(map[string]int, len(m.events))
	for k, v := range m.events {
		events[k] = v
	}
	byID := make(map[ledger.TransactionID]int, len(m.byID))
	for k, v := range m.byID {
		byID[k] = v
	}
	return memorySnapshot{
		balances: balances,
		entries:  append([]entry{}, m.entries...),
		events:   events,
		byID:     byID,
		nextSeq:  m.nextSeq,
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.balances = s.balances
	m.entries = s.entries
	m.events = s.events
	m.byID = s.byID
	m.nextSeq = s.nextSeq
}
