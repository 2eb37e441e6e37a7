package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

const (
	insertTransactionSQL = `INSERT INTO transactions (
        hash,
        ledger_index,
        account,
        destination,
        amount_xrp,
        direction,
        counterparty,
        memo,
        ts,
        raw
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (hash) DO NOTHING;`

	advanceCursorSQL = `INSERT INTO cursor_state (id, last_ledger_index, updated_at)
    VALUES (1, $1, now())
    ON CONFLICT (id) DO UPDATE
    SET last_ledger_index = GREATEST(cursor_state.last_ledger_index, EXCLUDED.last_ledger_index),
        updated_at        = now();`

	selectCursorSQL = `SELECT last_ledger_index, updated_at FROM cursor_state WHERE id = 1;`

	transactionColumns = `hash,
        ledger_index,
        account,
        destination,
        amount_xrp::text,
        direction,
        counterparty,
        memo,
        ts,
        raw`

	listTransactionsSQL = `SELECT ` + transactionColumns + `
    FROM transactions
    WHERE ($2::text IS NULL OR direction = $2)
    ORDER BY ts DESC, ledger_index DESC
    LIMIT $1;`

	listTransactionsBetweenSQL = `SELECT ` + transactionColumns + `
    FROM transactions
    WHERE ts >= $1
      AND ts < $2
    ORDER BY ts, ledger_index;`

	countTransactionsSQL = `SELECT COUNT(*) FROM transactions;`

	flowTotalsSQL = `SELECT
        COALESCE(SUM(CASE WHEN direction = 'inbound' THEN amount_xrp ELSE -amount_xrp END), 0)::text,
        COALESCE(SUM(amount_xrp) FILTER (WHERE direction = 'inbound' AND ts >= $1), 0)::text,
        COALESCE(SUM(amount_xrp) FILTER (WHERE direction = 'outbound' AND ts >= $1), 0)::text
    FROM transactions;`

	ruleColumns = `id, name, min_amount_xrp::text, direction, counterparty, memo_keyword, active, created_at`

	listActiveRulesSQL = `SELECT ` + ruleColumns + ` FROM alert_rules WHERE active ORDER BY id;`

	listRulesSQL = `SELECT ` + ruleColumns + ` FROM alert_rules ORDER BY id;`

	insertRuleSQL = `INSERT INTO alert_rules (
        name,
        min_amount_xrp,
        direction,
        counterparty,
        memo_keyword
    ) VALUES (
        $1,$2::numeric,$3,$4,$5
    )
    RETURNING ` + ruleColumns + `;`

	alertColumns = `id, rule_id, transaction_hash, message, status, created_at, acknowledged_at`

	insertAlertSQL = `INSERT INTO alert_events (
        rule_id,
        transaction_hash,
        message,
        status
    ) VALUES (
        $1,$2,$3,$4
    )
    RETURNING ` + alertColumns + `;`

	listAlertsSQL = `SELECT ` + alertColumns + `
    FROM alert_events
    WHERE ($1::text IS NULL OR status = $1)
    ORDER BY created_at DESC, id DESC
    LIMIT $2;`

	acknowledgeAlertSQL = `UPDATE alert_events
    SET status = 'acknowledged',
        acknowledged_at = COALESCE(acknowledged_at, $2)
    WHERE id = $1
    RETURNING ` + alertColumns + `;`

	deleteAcknowledgedAlertsBeforeSQL = `DELETE FROM alert_events
    WHERE status = 'acknowledged'
      AND created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// LedgerWriter is the write side available inside a ledger transaction scope.
type LedgerWriter interface {
	TryInsert(ctx context.Context, tx Transaction) (bool, error)
	AdvanceCursor(ctx context.Context, ledgerIndex int64) error
}

// LedgerStore persists transactions and the resumable cursor atomically.
type LedgerStore interface {
	WithinTx(ctx context.Context, fn func(LedgerWriter) error) error
	Cursor(ctx context.Context) (CursorState, bool, error)
}

// TransactionReader exposes read-only queries over stored transactions.
type TransactionReader interface {
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	ListTransactionsBetween(ctx context.Context, from, to time.Time) ([]Transaction, error)
	CountTransactions(ctx context.Context) (int64, error)
	Dashboard(ctx context.Context, since time.Time, recent int) (Dashboard, error)
}

// RuleStore reads and creates alert rules.
type RuleStore interface {
	ActiveRules(ctx context.Context) ([]AlertRule, error)
	ListRules(ctx context.Context) ([]AlertRule, error)
	CreateRule(ctx context.Context, rule NewAlertRule) (AlertRule, error)
}

// AlertStore persists alert events and their acknowledgement.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertEvent) (AlertEvent, error)
	ListAlerts(ctx context.Context, status *AlertStatus, limit int) ([]AlertEvent, error)
	AcknowledgeAlert(ctx context.Context, id int64, at time.Time) (AlertEvent, error)
	DeleteAcknowledgedAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL implementation of every store interface.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// WithinTx runs fn inside one database transaction. The transaction commits
// when fn returns nil and rolls back on error or panic.
func (s *Store) WithinTx(ctx context.Context, fn func(LedgerWriter) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// no-op once committed
		_ = tx.Rollback(context.Background())
	}()

	if err := fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type ledgerTx struct {
	tx pgx.Tx
}

func (l *ledgerTx) TryInsert(ctx context.Context, t Transaction) (bool, error) {
	var raw interface{}
	if len(t.Raw) > 0 {
		raw = []byte(t.Raw)
	}

	tag, err := l.tx.Exec(ctx, insertTransactionSQL,
		t.Hash,
		t.LedgerIndex,
		t.Account,
		t.Destination,
		t.Amount.String(),
		string(t.Direction),
		t.Counterparty,
		t.Memo,
		t.Timestamp,
		raw,
	)
	if err != nil {
		return false, fmt.Errorf("insert transaction %s: %w", t.Hash, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *ledgerTx) AdvanceCursor(ctx context.Context, ledgerIndex int64) error {
	if _, err := l.tx.Exec(ctx, advanceCursorSQL, ledgerIndex); err != nil {
		return fmt.Errorf("advance cursor to %d: %w", ledgerIndex, err)
	}
	return nil
}

// Cursor returns the stored cursor; ok is false before the first transaction.
func (s *Store) Cursor(ctx context.Context) (CursorState, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return CursorState{}, false, err
	}

	var cursor CursorState
	if err := pool.QueryRow(ctx, selectCursorSQL).Scan(&cursor.LastLedgerIndex, &cursor.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CursorState{}, false, nil
		}
		return CursorState{}, false, fmt.Errorf("select cursor: %w", err)
	}
	return cursor, true, nil
}

// ListTransactions lists the newest transactions first.
func (s *Store) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var direction *string
	if filter.Direction != nil {
		d := string(*filter.Direction)
		direction = &d
	}

	// LIMIT NULL returns every row
	var limitArg *int
	if filter.Limit > 0 {
		limitArg = &filter.Limit
	}

	rows, err := pool.Query(ctx, listTransactionsSQL, limitArg, direction)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return collectTransactions(rows, filter.Limit)
}

// ListTransactionsBetween lists transactions in [from, to) oldest first.
func (s *Store) ListTransactionsBetween(ctx context.Context, from, to time.Time) ([]Transaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listTransactionsBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list transactions between: %w", err)
	}
	return collectTransactions(rows, 0)
}

// CountTransactions counts stored transactions.
func (s *Store) CountTransactions(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := pool.QueryRow(ctx, countTransactionsSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return count, nil
}

// Dashboard aggregates balance, 24h flows, open alerts and recent transactions.
func (s *Store) Dashboard(ctx context.Context, since time.Time, recent int) (Dashboard, error) {
	pool, err := s.getPool()
	if err != nil {
		return Dashboard{}, err
	}

	var balanceStr, inflowStr, outflowStr string
	if err := pool.QueryRow(ctx, flowTotalsSQL, since).Scan(&balanceStr, &inflowStr, &outflowStr); err != nil {
		return Dashboard{}, fmt.Errorf("dashboard totals: %w", err)
	}

	var dash Dashboard
	if dash.Balance, err = decimal.NewFromString(balanceStr); err != nil {
		return Dashboard{}, fmt.Errorf("parse balance: %w", err)
	}
	if dash.Inflow24h, err = decimal.NewFromString(inflowStr); err != nil {
		return Dashboard{}, fmt.Errorf("parse inflow: %w", err)
	}
	if dash.Outflow24h, err = decimal.NewFromString(outflowStr); err != nil {
		return Dashboard{}, fmt.Errorf("parse outflow: %w", err)
	}

	open := AlertStatusOpen
	if dash.OpenAlerts, err = s.ListAlerts(ctx, &open, 0); err != nil {
		return Dashboard{}, err
	}
	if dash.Transactions, err = s.ListTransactions(ctx, TransactionFilter{Limit: recent}); err != nil {
		return Dashboard{}, err
	}
	return dash, nil
}

// ActiveRules lists rules with active = true.
func (s *Store) ActiveRules(ctx context.Context) ([]AlertRule, error) {
	return s.queryRules(ctx, listActiveRulesSQL)
}

// ListRules lists all rules.
func (s *Store) ListRules(ctx context.Context) ([]AlertRule, error) {
	return s.queryRules(ctx, listRulesSQL)
}

func (s *Store) queryRules(ctx context.Context, query string) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]AlertRule, 0)
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// CreateRule inserts an active rule.
func (s *Store) CreateRule(ctx context.Context, rule NewAlertRule) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}
	if err := rule.Validate(); err != nil {
		return AlertRule{}, err
	}

	var minAmount, direction *string
	if rule.MinAmount != nil {
		v := rule.MinAmount.String()
		minAmount = &v
	}
	if rule.Direction != nil {
		v := string(*rule.Direction)
		direction = &v
	}

	row := pool.QueryRow(ctx, insertRuleSQL, rule.Name, minAmount, direction, rule.Counterparty, rule.MemoKeyword)
	created, err := scanRule(row)
	if err != nil {
		return AlertRule{}, fmt.Errorf("insert rule: %w", err)
	}
	return created, nil
}

// InsertAlert persists an alert event and returns it with its id.
func (s *Store) InsertAlert(ctx context.Context, alert AlertEvent) (AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertEvent{}, err
	}

	status := alert.Status
	if status == "" {
		status = AlertStatusOpen
	}

	row := pool.QueryRow(ctx, insertAlertSQL, alert.RuleID, alert.TransactionHash, alert.Message, string(status))
	rec, err := scanAlert(row)
	if err != nil {
		return AlertEvent{}, fmt.Errorf("insert alert: %w", err)
	}
	return rec, nil
}

// ListAlerts lists alert events newest first. limit <= 0 means no limit.
func (s *Store) ListAlerts(ctx context.Context, status *AlertStatus, limit int) ([]AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}

	rows, err := pool.Query(ctx, listAlertsSQL, statusArg, limitArg)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]AlertEvent, 0)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// AcknowledgeAlert marks an alert acknowledged. Acknowledging twice keeps the first time.
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64, at time.Time) (AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertEvent{}, err
	}

	rec, err := scanAlert(pool.QueryRow(ctx, acknowledgeAlertSQL, id, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AlertEvent{}, ErrNotFound
		}
		return AlertEvent{}, fmt.Errorf("acknowledge alert %d: %w", id, err)
	}
	return rec, nil
}

// DeleteAcknowledgedAlertsBefore prunes acknowledged alerts created before olderThan.
func (s *Store) DeleteAcknowledgedAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteAcknowledgedAlertsBeforeSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete alerts before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func collectTransactions(rows pgx.Rows, capacity int) ([]Transaction, error) {
	defer rows.Close()

	if capacity < 0 {
		capacity = 0
	}
	txs := make([]Transaction, 0, capacity)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return txs, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		tx        Transaction
		amountStr string
		direction string
		raw       []byte
	)

	if err := row.Scan(
		&tx.Hash,
		&tx.LedgerIndex,
		&tx.Account,
		&tx.Destination,
		&amountStr,
		&direction,
		&tx.Counterparty,
		&tx.Memo,
		&tx.Timestamp,
		&raw,
	); err != nil {
		return Transaction{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return Transaction{}, fmt.Errorf("parse amount of %s: %w", tx.Hash, err)
	}
	tx.Amount = amount
	tx.Direction = Direction(direction)
	tx.Timestamp = tx.Timestamp.UTC()
	if len(raw) > 0 {
		tx.Raw = json.RawMessage(raw)
	}
	return tx, nil
}

func scanRule(row pgx.Row) (AlertRule, error) {
	var (
		rule      AlertRule
		minAmount *string
		direction *string
	)

	if err := row.Scan(
		&rule.ID,
		&rule.Name,
		&minAmount,
		&direction,
		&rule.Counterparty,
		&rule.MemoKeyword,
		&rule.Active,
		&rule.CreatedAt,
	); err != nil {
		return AlertRule{}, err
	}

	if minAmount != nil {
		v, err := decimal.NewFromString(*minAmount)
		if err != nil {
			return AlertRule{}, fmt.Errorf("parse min amount of rule %d: %w", rule.ID, err)
		}
		rule.MinAmount = &v
	}
	if direction != nil {
		d := Direction(*direction)
		rule.Direction = &d
	}
	return rule, nil
}

func scanAlert(row pgx.Row) (AlertEvent, error) {
	var (
		rec    AlertEvent
		status string
	)

	if err := row.Scan(
		&rec.ID,
		&rec.RuleID,
		&rec.TransactionHash,
		&rec.Message,
		&status,
		&rec.CreatedAt,
		&rec.AcknowledgedAt,
	); err != nil {
		return AlertEvent{}, err
	}
	rec.Status = AlertStatus(status)
	return rec, nil
}

var (
	_ LedgerStore       = (*Store)(nil)
	_ TransactionReader = (*Store)(nil)
	_ RuleStore         = (*Store)(nil)
	_ AlertStore        = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)
