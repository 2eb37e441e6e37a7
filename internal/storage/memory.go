package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It honours the same
// contracts as Store and backs dry runs, simulations and tests.
type MemoryStore struct {
	mu sync.Mutex

	txs       map[string]Transaction
	order     []string
	cursor    *CursorState
	rules     []AlertRule
	alerts    []AlertEvent
	nextRule  int64
	nextAlert int64

	now func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs: make(map[string]Transaction),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// memoryTx stages writes until the scope commits.
type memoryTx struct {
	store   *MemoryStore
	pending []Transaction
	seen    map[string]struct{}
	cursor  *int64
}

func (m *memoryTx) TryInsert(ctx context.Context, tx Transaction) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, ok := m.store.txs[tx.Hash]; ok {
		return false, nil
	}
	if _, ok := m.seen[tx.Hash]; ok {
		return false, nil
	}
	m.seen[tx.Hash] = struct{}{}
	m.pending = append(m.pending, tx)
	return true, nil
}

func (m *memoryTx) AdvanceCursor(ctx context.Context, ledgerIndex int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.cursor == nil || ledgerIndex > *m.cursor {
		v := ledgerIndex
		m.cursor = &v
	}
	return nil
}

// WithinTx applies staged writes only when fn succeeds.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(LedgerWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope := &memoryTx{store: s, seen: make(map[string]struct{})}
	if err := fn(scope); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, tx := range scope.pending {
		s.txs[tx.Hash] = tx
		s.order = append(s.order, tx.Hash)
	}
	if scope.cursor != nil {
		if s.cursor == nil {
			s.cursor = &CursorState{LastLedgerIndex: *scope.cursor, UpdatedAt: s.now()}
		} else {
			if *scope.cursor > s.cursor.LastLedgerIndex {
				s.cursor.LastLedgerIndex = *scope.cursor
			}
			s.cursor.UpdatedAt = s.now()
		}
	}
	return nil
}

// Cursor returns the stored cursor.
func (s *MemoryStore) Cursor(ctx context.Context) (CursorState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		return CursorState{}, false, nil
	}
	return *s.cursor, true, nil
}

// ListTransactions lists the newest transactions first.
func (s *MemoryStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.sortedLocked()
	out := make([]Transaction, 0, max(filter.Limit, 0))
	for i := len(all) - 1; i >= 0; i-- {
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		if filter.Direction != nil && all[i].Direction != *filter.Direction {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

// ListTransactionsBetween lists transactions in [from, to) oldest first.
func (s *MemoryStore) ListTransactionsBetween(ctx context.Context, from, to time.Time) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Transaction, 0)
	for _, tx := range s.sortedLocked() {
		if !tx.Timestamp.Before(from) && tx.Timestamp.Before(to) {
			out = append(out, tx)
		}
	}
	return out, nil
}

// CountTransactions counts stored transactions.
func (s *MemoryStore) CountTransactions(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.txs)), nil
}

// Dashboard mirrors Store.Dashboard.
func (s *MemoryStore) Dashboard(ctx context.Context, since time.Time, recent int) (Dashboard, error) {
	s.mu.Lock()
	var dash Dashboard
	for _, tx := range s.txs {
		dash.Balance = dash.Balance.Add(tx.SignedAmount())
		if tx.Timestamp.Before(since) {
			continue
		}
		if tx.Direction == DirectionInbound {
			dash.Inflow24h = dash.Inflow24h.Add(tx.Amount)
		} else {
			dash.Outflow24h = dash.Outflow24h.Add(tx.Amount)
		}
	}
	s.mu.Unlock()

	open := AlertStatusOpen
	var err error
	if dash.OpenAlerts, err = s.ListAlerts(ctx, &open, 0); err != nil {
		return Dashboard{}, err
	}
	if dash.Transactions, err = s.ListTransactions(ctx, TransactionFilter{Limit: recent}); err != nil {
		return Dashboard{}, err
	}
	return dash, nil
}

func (s *MemoryStore) sortedLocked() []Transaction {
	all := make([]Transaction, 0, len(s.order))
	for _, hash := range s.order {
		all = append(all, s.txs[hash])
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].LedgerIndex < all[j].LedgerIndex
		}
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all
}

// ActiveRules lists active rules.
func (s *MemoryStore) ActiveRules(ctx context.Context) ([]AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AlertRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if rule.Active {
			out = append(out, rule)
		}
	}
	return out, nil
}

// ListRules lists all rules.
func (s *MemoryStore) ListRules(ctx context.Context) ([]AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AlertRule(nil), s.rules...), nil
}

// CreateRule inserts an active rule.
func (s *MemoryStore) CreateRule(ctx context.Context, rule NewAlertRule) (AlertRule, error) {
	if err := rule.Validate(); err != nil {
		return AlertRule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRule++
	created := AlertRule{
		ID:           s.nextRule,
		Name:         rule.Name,
		MinAmount:    rule.MinAmount,
		Direction:    rule.Direction,
		Counterparty: rule.Counterparty,
		MemoKeyword:  rule.MemoKeyword,
		Active:       true,
		CreatedAt:    s.now(),
	}
	s.rules = append(s.rules, created)
	return created, nil
}

// SetRuleActive toggles a rule; it stands in for the external rule management.
func (s *MemoryStore) SetRuleActive(id int64, active bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == id {
			s.rules[i].Active = active
			return true
		}
	}
	return false
}

// InsertAlert stores an alert event and assigns its id.
func (s *MemoryStore) InsertAlert(ctx context.Context, alert AlertEvent) (AlertEvent, error) {
	if err := ctx.Err(); err != nil {
		return AlertEvent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAlert++
	alert.ID = s.nextAlert
	if alert.Status == "" {
		alert.Status = AlertStatusOpen
	}
	alert.CreatedAt = s.now()
	s.alerts = append(s.alerts, alert)
	return alert, nil
}

// ListAlerts lists alerts newest first.
func (s *MemoryStore) ListAlerts(ctx context.Context, status *AlertStatus, limit int) ([]AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AlertEvent, 0)
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if status != nil && s.alerts[i].Status != *status {
			continue
		}
		out = append(out, s.alerts[i])
	}
	return out, nil
}

// AcknowledgeAlert marks an alert acknowledged.
func (s *MemoryStore) AcknowledgeAlert(ctx context.Context, id int64, at time.Time) (AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID != id {
			continue
		}
		s.alerts[i].Status = AlertStatusAcknowledged
		if s.alerts[i].AcknowledgedAt == nil {
			ackAt := at.UTC()
			s.alerts[i].AcknowledgedAt = &ackAt
		}
		return s.alerts[i], nil
	}
	return AlertEvent{}, ErrNotFound
}

// DeleteAcknowledgedAlertsBefore prunes acknowledged alerts.
func (s *MemoryStore) DeleteAcknowledgedAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.alerts[:0]
	var deleted int64
	for _, alert := range s.alerts {
		if alert.Status == AlertStatusAcknowledged && alert.CreatedAt.Before(olderThan) {
			deleted++
			continue
		}
		kept = append(kept, alert)
	}
	s.alerts = kept
	return deleted, nil
}

var (
	_ LedgerStore       = (*MemoryStore)(nil)
	_ TransactionReader = (*MemoryStore)(nil)
	_ RuleStore         = (*MemoryStore)(nil)
	_ AlertStore        = (*MemoryStore)(nil)
)
