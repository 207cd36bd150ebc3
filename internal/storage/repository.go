// Package storage is the durable record behind the processing engine: the
// obligation store, the expense ledger, budget limits and the notification
// sink, all backed by a single SQLite database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/B377z/expense-tracker/internal/core"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrStaleObligation is returned when a conditional advancement loses
	// the race: the obligation's next_due no longer matches the value the
	// caller observed. The occurrence was already claimed by another run.
	ErrStaleObligation = errors.New("obligation advanced concurrently")

	// ErrDuplicateEvent is returned when an audit event with the same id
	// was already recorded. Broker redeliveries hit this path.
	ErrDuplicateEvent = errors.New("event already recorded")
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows one writer; a single pooled connection avoids
	// SQLITE_BUSY under concurrent materialization.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// DB exposes the underlying handle so sibling repositories (auth) can share
// the same database file and migration set.
func (r *SQLiteRepository) DB() *sql.DB {
	return r.db
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// --- Obligations ---

func (r *SQLiteRepository) CreateObligation(ctx context.Context, o core.Obligation) (int64, error) {
	if err := o.Validate(); err != nil {
		return 0, fmt.Errorf("validate obligation: %w", err)
	}

	now := time.Now().Unix()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO obligations (user_id, amount_cents, category, description, cadence, next_due, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.UserID, o.Amount.Cents, o.Category, o.Description, string(o.Cadence), o.NextDue.Unix(), now, now)
	if err != nil {
		return 0, fmt.Errorf("insert obligation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("obligation id: %w", err)
	}

	slog.InfoContext(ctx, "Obligation created",
		"id", id,
		"user_id", o.UserID,
		"category", o.Category,
		"cadence", o.Cadence,
		"next_due", o.NextDue.Format("2006-01-02"))

	return id, nil
}

func (r *SQLiteRepository) UpdateObligation(ctx context.Context, o core.Obligation) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("validate obligation: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE obligations
		 SET amount_cents = ?, category = ?, description = ?, cadence = ?, next_due = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		o.Amount.Cents, o.Category, o.Description, string(o.Cadence), o.NextDue.Unix(), time.Now().Unix(),
		o.ID, o.UserID)
	if err != nil {
		return fmt.Errorf("update obligation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) DeleteObligation(ctx context.Context, id int64, userID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM obligations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete obligation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) GetObligation(ctx context.Context, id int64) (*core.Obligation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, amount_cents, category, description, cadence, next_due
		 FROM obligations WHERE id = ?`, id)
	o, err := scanObligation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get obligation: %w", err)
	}
	return &o, nil
}

func (r *SQLiteRepository) ListObligations(ctx context.Context, userID string) ([]core.Obligation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, amount_cents, category, description, cadence, next_due
		 FROM obligations WHERE user_id = ? ORDER BY next_due, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list obligations: %w", err)
	}
	defer rows.Close()
	return collectObligations(rows)
}

// FindDue returns all obligations, across all users, whose next_due is at or
// before asOf. Triggers are system-wide: there is no per-user scoping here.
func (r *SQLiteRepository) FindDue(ctx context.Context, asOf time.Time) ([]core.Obligation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, amount_cents, category, description, cadence, next_due
		 FROM obligations WHERE next_due <= ? ORDER BY next_due, id`, asOf.Unix())
	if err != nil {
		return nil, fmt.Errorf("find due obligations: %w", err)
	}
	defer rows.Close()
	return collectObligations(rows)
}

// ConditionalAdvance moves an obligation's next_due forward only if it still
// holds the value the caller observed. Returns false when the write lost the
// race, without error.
func (r *SQLiteRepository) ConditionalAdvance(ctx context.Context, id int64, expectedNextDue, newNextDue time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE obligations SET next_due = ?, updated_at = ? WHERE id = ? AND next_due = ?`,
		newNextDue.Unix(), time.Now().Unix(), id, expectedNextDue.Unix())
	if err != nil {
		return false, fmt.Errorf("conditional advance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("conditional advance rows: %w", err)
	}
	return n > 0, nil
}

// MaterializeOccurrence claims one due occurrence of an obligation: it inserts
// the realized expense and conditionally advances next_due in a single
// transaction. If the conditional write finds next_due already moved, the
// whole transaction rolls back (including the expense) and ErrStaleObligation
// is returned, so concurrent invocations can never double-emit an occurrence
// and a failed expense insert never advances the schedule.
func (r *SQLiteRepository) MaterializeOccurrence(ctx context.Context, o core.Obligation, occurredAt, newNextDue time.Time) (core.Expense, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Expense{}, fmt.Errorf("begin materialize: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO expenses (user_id, amount_cents, category, description, occurred_at)
		 VALUES (?, ?, ?, ?, ?)`,
		o.UserID, o.Amount.Cents, o.Category, o.Description, occurredAt.Unix())
	if err != nil {
		return core.Expense{}, fmt.Errorf("insert expense: %w", err)
	}
	expenseID, err := res.LastInsertId()
	if err != nil {
		return core.Expense{}, fmt.Errorf("expense id: %w", err)
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE obligations SET next_due = ?, updated_at = ? WHERE id = ? AND next_due = ?`,
		newNextDue.Unix(), time.Now().Unix(), o.ID, o.NextDue.Unix())
	if err != nil {
		return core.Expense{}, fmt.Errorf("advance obligation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Expense{}, ErrStaleObligation
	}

	if err := tx.Commit(); err != nil {
		return core.Expense{}, fmt.Errorf("commit materialize: %w", err)
	}

	slog.InfoContext(ctx, "Obligation occurrence materialized",
		"obligation_id", o.ID,
		"expense_id", expenseID,
		"user_id", o.UserID,
		"category", o.Category,
		"amount_cents", o.Amount.Cents,
		"next_due", newNextDue.Format("2006-01-02"))

	return core.Expense{
		ID:          expenseID,
		UserID:      o.UserID,
		Amount:      o.Amount,
		Category:    o.Category,
		Description: o.Description,
		OccurredAt:  occurredAt,
	}, nil
}

// --- Expenses ---

func (r *SQLiteRepository) InsertExpense(ctx context.Context, e core.Expense) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, fmt.Errorf("validate expense: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO expenses (user_id, amount_cents, category, description, occurred_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.UserID, e.Amount.Cents, e.Category, e.Description, e.OccurredAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert expense: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("expense id: %w", err)
	}

	slog.InfoContext(ctx, "Expense saved",
		"id", id,
		"user_id", e.UserID,
		"category", e.Category,
		"amount_cents", e.Amount.Cents)

	return id, nil
}

// ExpenseFilter narrows and orders ListExpenses results.
type ExpenseFilter struct {
	Category string
	From     time.Time
	To       time.Time
	SortBy   string // "occurred_at" (default) or "amount"
	Order    string // "asc" (default) or "desc"
}

func (r *SQLiteRepository) ListExpenses(ctx context.Context, userID string, f ExpenseFilter) ([]core.Expense, error) {
	query := `SELECT id, user_id, amount_cents, category, description, occurred_at
		 FROM expenses WHERE user_id = ?`
	args := []any{userID}

	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	if !f.From.IsZero() {
		query += ` AND occurred_at >= ?`
		args = append(args, f.From.Unix())
	}
	if !f.To.IsZero() {
		query += ` AND occurred_at <= ?`
		args = append(args, f.To.Unix())
	}

	sortCol := "occurred_at"
	if f.SortBy == "amount" {
		sortCol = "amount_cents"
	}
	dir := "ASC"
	if f.Order == "desc" {
		dir = "DESC"
	}
	query += " ORDER BY " + sortCol + " " + dir + ", id " + dir

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	var out []core.Expense
	for rows.Next() {
		var e core.Expense
		var occurred int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount.Cents, &e.Category, &e.Description, &occurred); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		e.OccurredAt = time.Unix(occurred, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// SumSpend returns the accumulated expense amount for a user and category
// within [from, to], both bounds inclusive.
func (r *SQLiteRepository) SumSpend(ctx context.Context, userID, category string, from, to time.Time) (core.Money, error) {
	var cents int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM expenses
		 WHERE user_id = ? AND category = ? AND occurred_at >= ? AND occurred_at <= ?`,
		userID, category, from.Unix(), to.Unix()).Scan(&cents)
	if err != nil {
		return core.Money{}, fmt.Errorf("sum spend: %w", err)
	}
	return core.Money{Cents: cents}, nil
}

func (r *SQLiteRepository) CategoryTotals(ctx context.Context, userID string) ([]core.CategoryTotal, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT category, SUM(amount_cents) FROM expenses
		 WHERE user_id = ? GROUP BY category ORDER BY category`, userID)
	if err != nil {
		return nil, fmt.Errorf("category totals: %w", err)
	}
	defer rows.Close()

	var out []core.CategoryTotal
	for rows.Next() {
		var t core.CategoryTotal
		if err := rows.Scan(&t.Category, &t.Total.Cents); err != nil {
			return nil, fmt.Errorf("scan category total: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Budget limits ---

func (r *SQLiteRepository) CreateBudgetLimit(ctx context.Context, b core.BudgetLimit) (int64, error) {
	if err := b.Validate(); err != nil {
		return 0, fmt.Errorf("validate budget limit: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO budget_limits (user_id, category, limit_cents, created_at)
		 VALUES (?, ?, ?, ?)`,
		b.UserID, b.Category, b.Limit.Cents, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("insert budget limit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("budget limit id: %w", err)
	}
	return id, nil
}

// FindBudgetLimit returns the limit for (user, category), or nil when none is
// configured. When duplicates exist the first match by id wins, keeping
// evaluation deterministic.
func (r *SQLiteRepository) FindBudgetLimit(ctx context.Context, userID, category string) (*core.BudgetLimit, error) {
	var b core.BudgetLimit
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, category, limit_cents FROM budget_limits
		 WHERE user_id = ? AND category = ? ORDER BY id LIMIT 1`,
		userID, category).Scan(&b.ID, &b.UserID, &b.Category, &b.Limit.Cents)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find budget limit: %w", err)
	}
	return &b, nil
}

func (r *SQLiteRepository) ListBudgetLimits(ctx context.Context, userID string) ([]core.BudgetLimit, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, category, limit_cents FROM budget_limits
		 WHERE user_id = ? ORDER BY category, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list budget limits: %w", err)
	}
	defer rows.Close()

	var out []core.BudgetLimit
	for rows.Next() {
		var b core.BudgetLimit
		if err := rows.Scan(&b.ID, &b.UserID, &b.Category, &b.Limit.Cents); err != nil {
			return nil, fmt.Errorf("scan budget limit: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- Notifications ---

func (r *SQLiteRepository) InsertNotification(ctx context.Context, n core.Notification) (int64, error) {
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO notifications (user_id, message, is_read, created_at)
		 VALUES (?, ?, 0, ?)`,
		n.UserID, n.Message, createdAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("notification id: %w", err)
	}

	slog.InfoContext(ctx, "Notification created", "id", id, "user_id", n.UserID)
	return id, nil
}

func (r *SQLiteRepository) ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]core.Notification, error) {
	query := `SELECT id, user_id, message, is_read, created_at FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []core.Notification
	for rows.Next() {
		var n core.Notification
		var isRead int
		var created int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &isRead, &created); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Read = isRead != 0
		n.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) MarkNotificationRead(ctx context.Context, id int64, userID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID)
	if err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

// --- Audit events ---

// Event is an audit record appended by the events worker.
type Event struct {
	ID        string
	Type      string
	Data      string
	CreatedAt time.Time
}

func (r *SQLiteRepository) InsertEvent(ctx context.Context, e Event) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, event_type, event_data, created_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.Type, e.Data, e.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if rows == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObligation(row rowScanner) (core.Obligation, error) {
	var o core.Obligation
	var cadence string
	var nextDue int64
	err := row.Scan(&o.ID, &o.UserID, &o.Amount.Cents, &o.Category, &o.Description, &cadence, &nextDue)
	if err != nil {
		return core.Obligation{}, err
	}
	o.Cadence = core.Cadence(cadence)
	o.NextDue = time.Unix(nextDue, 0).UTC()
	return o, nil
}

func collectObligations(rows *sql.Rows) ([]core.Obligation, error) {
	var out []core.Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan obligation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
