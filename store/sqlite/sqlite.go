/*
Package sqlite provides a SQLite-backed implementation of core.Store.

PURPOSE:
  Implements the full transactional persistence boundary the cash-wire core
  depends on: accounts, the append-only transaction ledger, money requests,
  event pools, and the append-only audit log.

APPEND-ONLY ENFORCEMENT:
  transactions and audit_entries are never UPDATEd or DELETEd by this
  package except for the one sanctioned path: DeleteAuditEntriesOlderThan,
  which backs AuditLog.CleanupOlderThan.

CONCURRENCY:
  SQLite itself serializes writers; opening the connection with
  _txlock=immediate makes every WithTx transaction acquire the database
  write lock at BEGIN time (rather than at the first write statement),
  which is what gives WithTx its all-or-nothing, serializable-with-respect-
  to-other-writers behaviour. A sync.RWMutex additionally serializes WithTx
  calls on the Go side; one-shot Store methods called outside WithTx do not
  take it.

WAL MODE:
  Opened with WAL (Write-Ahead Logging): readers do not block the writer,
  and crash recovery replays the log rather than requiring a full rebuild.

MIGRATION:
  Schema is auto-migrated on New() via raw CREATE TABLE/INDEX IF NOT EXISTS
  statements. For a production deployment with multiple replicas of this
  binary, a versioned migration tool (golang-migrate, goose) would replace
  this; a single-writer internal tool does not need one.

SEE ALSO:
  - core/store.go: interface definitions this package implements
  - ledger, moneyrequest, eventpool, audit: the callers of this package
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/cash-wire/core"
)

// Store implements core.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (and migrates) a SQLite-backed Store at dbPath. Use ":memory:"
// for an ephemeral database, typically in tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows exactly one writer; a single *sql.DB connection avoids
	// SQLITE_BUSY races between Go-level pooled connections.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		account_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		balance TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (CAST(balance AS REAL) >= -250.00 AND CAST(balance AS REAL) <= 250.00)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_user_id ON accounts(user_id);

	CREATE TABLE IF NOT EXISTS transactions (
		tx_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		sender_user_id TEXT NOT NULL,
		recipient_user_id TEXT,
		event_id TEXT,
		amount TEXT NOT NULL,
		category TEXT,
		note TEXT,
		status TEXT NOT NULL,
		failure_code TEXT,
		created_at TEXT NOT NULL,
		processed_at TEXT,
		CHECK (CAST(amount AS REAL) > 0),
		CHECK (sender_user_id <> recipient_user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_tx_sender ON transactions(sender_user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_tx_recipient ON transactions(recipient_user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_tx_event ON transactions(event_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS money_requests (
		request_id TEXT PRIMARY KEY,
		requester_user_id TEXT NOT NULL,
		payer_user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		note TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		responded_at TEXT,
		expires_at TEXT NOT NULL,
		tx_id TEXT,
		CHECK (CAST(amount AS REAL) > 0),
		CHECK (requester_user_id <> payer_user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_requests_payer_status ON money_requests(payer_user_id, status);
	CREATE INDEX IF NOT EXISTS idx_requests_requester ON money_requests(requester_user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_requests_status_expiry ON money_requests(status, expires_at);

	CREATE TABLE IF NOT EXISTS event_pools (
		event_id TEXT PRIMARY KEY,
		creator_user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL,
		target_amount TEXT,
		deadline TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		closed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_status_created ON event_pools(status, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_events_creator ON event_pools(creator_user_id);

	CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id TEXT PRIMARY KEY,
		user_id TEXT,
		action_type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT,
		old_values_json TEXT,
		new_values_json TEXT,
		ip_address TEXT,
		user_agent TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_user_created ON audit_entries(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_entries(entity_type, entity_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_entries(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// execer is the minimal surface shared by *sql.DB and *sql.Tx, letting every
// write/read helper below run either standalone or inside a WithTx call.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execerFor() execer { return s.db }

// WithTx runs fn inside one SQLite transaction, opened with an immediate
// write lock (via the _txlock=immediate DSN option) so the entire block is
// serialized with respect to any other writer. fn's error rolls the
// transaction back and is returned verbatim, so domain errors (CoreError)
// survive unchanged.
func (s *Store) WithTx(ctx context.Context, fn func(tx core.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Wrap(core.CodeStoreTimeout, "begin transaction", err)
	}
	defer sqlTx.Rollback()

	ts := &txStore{tx: sqlTx, parent: s}
	if err := fn(ts); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return core.Wrap(core.CodeStoreTimeout, "commit transaction", err)
	}
	return nil
}

// txStore is the core.Store view bound to a live *sql.Tx, handed to the
// fn passed into WithTx. Every method delegates to the same SQL building
// the top-level Store uses, parameterised over execer so no logic is
// duplicated between transactional and standalone paths.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) execerFor() execer { return ts.tx }

// WithTx is not re-entrant: a Store handed into fn already runs inside one
// transaction and must not open another.
func (ts *txStore) WithTx(ctx context.Context, fn func(tx core.Store) error) error {
	return fn(ts)
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, a core.Account) error {
	return createAccount(ctx, s.execerFor(), a)
}
func (ts *txStore) CreateAccount(ctx context.Context, a core.Account) error {
	return createAccount(ctx, ts.execerFor(), a)
}
func createAccount(ctx context.Context, ex execer, a core.Account) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO accounts (account_id, user_id, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.AccountID, a.UserID, a.Balance.String(),
		a.CreatedAt.Format(time.RFC3339Nano), a.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccountByUserID(ctx context.Context, userID string) (*core.Account, error) {
	return getAccountByUserID(ctx, s.execerFor(), userID)
}
func (ts *txStore) GetAccountByUserID(ctx context.Context, userID string) (*core.Account, error) {
	return getAccountByUserID(ctx, ts.execerFor(), userID)
}

// LockAccountByUserID and GetAccountByUserID read identically; the "lock" in
// LockAccountByUserID's name documents the caller's intent (it must only be
// called from inside WithTx, ahead of a mutation) — the actual mutual
// exclusion is provided by SQLite's immediate-mode write transaction, not by
// a distinct row-lock statement.
func (s *Store) LockAccountByUserID(ctx context.Context, userID string) (*core.Account, error) {
	return getAccountByUserID(ctx, s.execerFor(), userID)
}
func (ts *txStore) LockAccountByUserID(ctx context.Context, userID string) (*core.Account, error) {
	return getAccountByUserID(ctx, ts.execerFor(), userID)
}

func getAccountByUserID(ctx context.Context, ex execer, userID string) (*core.Account, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT account_id, user_id, balance, created_at, updated_at
		FROM accounts WHERE user_id = ?`, userID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func scanAccount(row *sql.Row) (*core.Account, error) {
	var (
		a                    core.Account
		balance              string
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.AccountID, &a.UserID, &balance, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.Balance, err = parseMoney(balance); err != nil {
		return nil, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &a, nil
}

func (s *Store) UpdateAccountBalance(ctx context.Context, accountID string, newBalance core.Money, updatedAt time.Time) error {
	return updateAccountBalance(ctx, s.execerFor(), accountID, newBalance, updatedAt)
}
func (ts *txStore) UpdateAccountBalance(ctx context.Context, accountID string, newBalance core.Money, updatedAt time.Time) error {
	return updateAccountBalance(ctx, ts.execerFor(), accountID, newBalance, updatedAt)
}
func updateAccountBalance(ctx context.Context, ex execer, accountID string, newBalance core.Money, updatedAt time.Time) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE accounts SET balance = ?, updated_at = ? WHERE account_id = ?`,
		newBalance.String(), updatedAt.Format(time.RFC3339Nano), accountID)
	if err != nil {
		return fmt.Errorf("update account balance: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Transactions (append-only)
// ---------------------------------------------------------------------------

func (s *Store) InsertTransaction(ctx context.Context, tx core.Transaction) error {
	return insertTransaction(ctx, s.execerFor(), tx)
}
func (ts *txStore) InsertTransaction(ctx context.Context, tx core.Transaction) error {
	return insertTransaction(ctx, ts.execerFor(), tx)
}
func insertTransaction(ctx context.Context, ex execer, tx core.Transaction) error {
	var processedAt sql.NullString
	if tx.ProcessedAt != nil {
		processedAt = sql.NullString{String: tx.ProcessedAt.Format(time.RFC3339Nano), Valid: true}
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO transactions
		(tx_id, kind, sender_user_id, recipient_user_id, event_id, amount, category, note,
		 status, failure_code, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.TxID, string(tx.Kind), tx.SenderUserID, nullString(tx.RecipientUserID), nullString(tx.EventID),
		tx.Amount.String(), nullString(tx.Category), nullString(tx.Note),
		string(tx.Status), nullString(string(tx.FailureCode)),
		tx.CreatedAt.Format(time.RFC3339Nano), processedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, txID string) (*core.Transaction, error) {
	return getTransaction(ctx, s.execerFor(), txID)
}
func (ts *txStore) GetTransaction(ctx context.Context, txID string) (*core.Transaction, error) {
	return getTransaction(ctx, ts.execerFor(), txID)
}
func getTransaction(ctx context.Context, ex execer, txID string) (*core.Transaction, error) {
	row := ex.QueryRowContext(ctx, transactionSelect+" WHERE tx_id = ?", txID)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

const transactionSelect = `
	SELECT tx_id, kind, sender_user_id, recipient_user_id, event_id, amount, category, note,
	       status, failure_code, created_at, processed_at
	FROM transactions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*core.Transaction, error) {
	var (
		tx                                                       core.Transaction
		kind, status                                             string
		recipient, eventID, category, note, failureCode          sql.NullString
		amount                                                   string
		createdAt                                                string
		processedAt                                              sql.NullString
	)
	if err := row.Scan(&tx.TxID, &kind, &tx.SenderUserID, &recipient, &eventID, &amount,
		&category, &note, &status, &failureCode, &createdAt, &processedAt); err != nil {
		return nil, err
	}
	tx.Kind = core.TransactionKind(kind)
	tx.Status = core.TransactionStatus(status)
	tx.RecipientUserID = recipient.String
	tx.EventID = eventID.String
	tx.Category = category.String
	tx.Note = note.String
	tx.FailureCode = core.Code(failureCode.String)
	var err error
	if tx.Amount, err = parseMoney(amount); err != nil {
		return nil, err
	}
	tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if processedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, processedAt.String)
		tx.ProcessedAt = &t
	}
	return &tx, nil
}

func (s *Store) ListTransactionsBySender(ctx context.Context, userID string, limit, offset int) ([]core.Transaction, error) {
	return listTransactions(ctx, s.execerFor(), transactionSelect+` WHERE sender_user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, userID, limitOrDefault(limit), offset)
}
func (ts *txStore) ListTransactionsBySender(ctx context.Context, userID string, limit, offset int) ([]core.Transaction, error) {
	return listTransactions(ctx, ts.execerFor(), transactionSelect+` WHERE sender_user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, userID, limitOrDefault(limit), offset)
}

func (s *Store) ListTransactionsByRecipient(ctx context.Context, userID string, limit, offset int) ([]core.Transaction, error) {
	return listTransactions(ctx, s.execerFor(), transactionSelect+` WHERE recipient_user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, userID, limitOrDefault(limit), offset)
}
func (ts *txStore) ListTransactionsByRecipient(ctx context.Context, userID string, limit, offset int) ([]core.Transaction, error) {
	return listTransactions(ctx, ts.execerFor(), transactionSelect+` WHERE recipient_user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, userID, limitOrDefault(limit), offset)
}

func (s *Store) ListTransactionsByEvent(ctx context.Context, eventID string) ([]core.Transaction, error) {
	return listTransactions(ctx, s.execerFor(), transactionSelect+` WHERE event_id = ? ORDER BY created_at ASC`, eventID)
}
func (ts *txStore) ListTransactionsByEvent(ctx context.Context, eventID string) ([]core.Transaction, error) {
	return listTransactions(ctx, ts.execerFor(), transactionSelect+` WHERE event_id = ? ORDER BY created_at ASC`, eventID)
}

func listTransactions(ctx context.Context, ex execer, query string, args ...any) ([]core.Transaction, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func (s *Store) SumCompletedContributions(ctx context.Context, eventID string) (core.Money, int, error) {
	return sumCompletedContributions(ctx, s.execerFor(), eventID)
}
func (ts *txStore) SumCompletedContributions(ctx context.Context, eventID string) (core.Money, int, error) {
	return sumCompletedContributions(ctx, ts.execerFor(), eventID)
}
func sumCompletedContributions(ctx context.Context, ex execer, eventID string) (core.Money, int, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT amount, sender_user_id FROM transactions
		WHERE event_id = ? AND kind = ? AND status = ?`,
		eventID, string(core.TxEventContribution), string(core.TxCompleted))
	if err != nil {
		return core.Zero(), 0, fmt.Errorf("sum contributions: %w", err)
	}
	defer rows.Close()

	total := core.Zero()
	contributors := map[string]bool{}
	for rows.Next() {
		var amount, sender string
		if err := rows.Scan(&amount, &sender); err != nil {
			return core.Zero(), 0, err
		}
		m, err := parseMoney(amount)
		if err != nil {
			return core.Zero(), 0, err
		}
		total = total.Add(m)
		contributors[sender] = true
	}
	return total, len(contributors), rows.Err()
}

// ---------------------------------------------------------------------------
// Money requests
// ---------------------------------------------------------------------------

func (s *Store) InsertMoneyRequest(ctx context.Context, r core.MoneyRequest) error {
	return insertMoneyRequest(ctx, s.execerFor(), r)
}
func (ts *txStore) InsertMoneyRequest(ctx context.Context, r core.MoneyRequest) error {
	return insertMoneyRequest(ctx, ts.execerFor(), r)
}
func insertMoneyRequest(ctx context.Context, ex execer, r core.MoneyRequest) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO money_requests
		(request_id, requester_user_id, payer_user_id, amount, note, status, created_at, responded_at, expires_at, tx_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.RequesterUserID, r.PayerUserID, r.Amount.String(), nullString(r.Note),
		string(r.Status), r.CreatedAt.Format(time.RFC3339Nano), nullTime(r.RespondedAt),
		r.ExpiresAt.Format(time.RFC3339Nano), nullString(r.TxID))
	if err != nil {
		return fmt.Errorf("insert money request: %w", err)
	}
	return nil
}

const requestSelect = `
	SELECT request_id, requester_user_id, payer_user_id, amount, note, status,
	       created_at, responded_at, expires_at, tx_id
	FROM money_requests`

func scanRequest(row rowScanner) (*core.MoneyRequest, error) {
	var (
		r                                core.MoneyRequest
		amount, status                   string
		note, txID                       sql.NullString
		createdAt, expiresAt             string
		respondedAt                      sql.NullString
	)
	if err := row.Scan(&r.RequestID, &r.RequesterUserID, &r.PayerUserID, &amount, &note, &status,
		&createdAt, &respondedAt, &expiresAt, &txID); err != nil {
		return nil, err
	}
	var err error
	if r.Amount, err = parseMoney(amount); err != nil {
		return nil, err
	}
	r.Note = note.String
	r.TxID = txID.String
	r.Status = core.RequestStatus(status)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	if respondedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, respondedAt.String)
		r.RespondedAt = &t
	}
	return &r, nil
}

func (s *Store) GetMoneyRequest(ctx context.Context, requestID string) (*core.MoneyRequest, error) {
	return getMoneyRequest(ctx, s.execerFor(), requestID)
}
func (ts *txStore) GetMoneyRequest(ctx context.Context, requestID string) (*core.MoneyRequest, error) {
	return getMoneyRequest(ctx, ts.execerFor(), requestID)
}
func getMoneyRequest(ctx context.Context, ex execer, requestID string) (*core.MoneyRequest, error) {
	row := ex.QueryRowContext(ctx, requestSelect+" WHERE request_id = ?", requestID)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get money request: %w", err)
	}
	return r, nil
}

// LockMoneyRequest reads identically to GetMoneyRequest; see the note on
// LockAccountByUserID above.
func (s *Store) LockMoneyRequest(ctx context.Context, requestID string) (*core.MoneyRequest, error) {
	return getMoneyRequest(ctx, s.execerFor(), requestID)
}
func (ts *txStore) LockMoneyRequest(ctx context.Context, requestID string) (*core.MoneyRequest, error) {
	return getMoneyRequest(ctx, ts.execerFor(), requestID)
}

func (s *Store) UpdateMoneyRequest(ctx context.Context, r core.MoneyRequest) error {
	return updateMoneyRequest(ctx, s.execerFor(), r)
}
func (ts *txStore) UpdateMoneyRequest(ctx context.Context, r core.MoneyRequest) error {
	return updateMoneyRequest(ctx, ts.execerFor(), r)
}
func updateMoneyRequest(ctx context.Context, ex execer, r core.MoneyRequest) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE money_requests SET status = ?, responded_at = ?, tx_id = ? WHERE request_id = ?`,
		string(r.Status), nullTime(r.RespondedAt), nullString(r.TxID), r.RequestID)
	if err != nil {
		return fmt.Errorf("update money request: %w", err)
	}
	return nil
}

func (s *Store) FindLivePendingRequest(ctx context.Context, requesterUserID, payerUserID string, now time.Time) (*core.MoneyRequest, error) {
	return findLivePendingRequest(ctx, s.execerFor(), requesterUserID, payerUserID, now)
}
func (ts *txStore) FindLivePendingRequest(ctx context.Context, requesterUserID, payerUserID string, now time.Time) (*core.MoneyRequest, error) {
	return findLivePendingRequest(ctx, ts.execerFor(), requesterUserID, payerUserID, now)
}
func findLivePendingRequest(ctx context.Context, ex execer, requesterUserID, payerUserID string, now time.Time) (*core.MoneyRequest, error) {
	row := ex.QueryRowContext(ctx, requestSelect+`
		WHERE requester_user_id = ? AND payer_user_id = ? AND status = ? AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`,
		requesterUserID, payerUserID, string(core.RequestPending), now.Format(time.RFC3339Nano))
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find live pending request: %w", err)
	}
	return r, nil
}

func (s *Store) ListDuePending(ctx context.Context, now time.Time) ([]core.MoneyRequest, error) {
	return listDuePending(ctx, s.execerFor(), now)
}
func (ts *txStore) ListDuePending(ctx context.Context, now time.Time) ([]core.MoneyRequest, error) {
	return listDuePending(ctx, ts.execerFor(), now)
}
func listDuePending(ctx context.Context, ex execer, now time.Time) ([]core.MoneyRequest, error) {
	rows, err := ex.QueryContext(ctx, requestSelect+`
		WHERE status = ? AND expires_at <= ?`, string(core.RequestPending), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list due pending: %w", err)
	}
	defer rows.Close()

	var out []core.MoneyRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) ListMoneyRequests(ctx context.Context, filter core.RequestFilter, limit, offset int) ([]core.MoneyRequest, error) {
	return listMoneyRequests(ctx, s.execerFor(), filter, limit, offset)
}
func (ts *txStore) ListMoneyRequests(ctx context.Context, filter core.RequestFilter, limit, offset int) ([]core.MoneyRequest, error) {
	return listMoneyRequests(ctx, ts.execerFor(), filter, limit, offset)
}
func listMoneyRequests(ctx context.Context, ex execer, filter core.RequestFilter, limit, offset int) ([]core.MoneyRequest, error) {
	var conds []string
	var args []any
	if filter.RequesterUserID != "" {
		conds = append(conds, "requester_user_id = ?")
		args = append(args, filter.RequesterUserID)
	}
	if filter.PayerUserID != "" {
		conds = append(conds, "payer_user_id = ?")
		args = append(args, filter.PayerUserID)
	}
	if filter.HasStatus {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := requestSelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(limit), offset)

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list money requests: %w", err)
	}
	defer rows.Close()

	var out []core.MoneyRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Event pools
// ---------------------------------------------------------------------------

func (s *Store) InsertEventPool(ctx context.Context, e core.EventPool) error {
	return insertEventPool(ctx, s.execerFor(), e)
}
func (ts *txStore) InsertEventPool(ctx context.Context, e core.EventPool) error {
	return insertEventPool(ctx, ts.execerFor(), e)
}
func insertEventPool(ctx context.Context, ex execer, e core.EventPool) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO event_pools
		(event_id, creator_user_id, name, description, target_amount, deadline, status, created_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.CreatorUserID, e.Name, e.Description, nullMoney(e.TargetAmount),
		nullTime(e.Deadline), string(e.Status), e.CreatedAt.Format(time.RFC3339Nano), nullTime(e.ClosedAt))
	if err != nil {
		return fmt.Errorf("insert event pool: %w", err)
	}
	return nil
}

const eventSelect = `
	SELECT event_id, creator_user_id, name, description, target_amount, deadline, status, created_at, closed_at
	FROM event_pools`

func scanEvent(row rowScanner) (*core.EventPool, error) {
	var (
		e                              core.EventPool
		status, createdAt              string
		targetAmount, deadline, closed sql.NullString
	)
	if err := row.Scan(&e.EventID, &e.CreatorUserID, &e.Name, &e.Description,
		&targetAmount, &deadline, &status, &createdAt, &closed); err != nil {
		return nil, err
	}
	e.Status = core.EventStatus(status)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if targetAmount.Valid {
		m, err := parseMoney(targetAmount.String)
		if err != nil {
			return nil, err
		}
		e.TargetAmount = &m
	}
	if deadline.Valid {
		t, _ := time.Parse(time.RFC3339Nano, deadline.String)
		e.Deadline = &t
	}
	if closed.Valid {
		t, _ := time.Parse(time.RFC3339Nano, closed.String)
		e.ClosedAt = &t
	}
	return &e, nil
}

func (s *Store) GetEventPool(ctx context.Context, eventID string) (*core.EventPool, error) {
	return getEventPool(ctx, s.execerFor(), eventID)
}
func (ts *txStore) GetEventPool(ctx context.Context, eventID string) (*core.EventPool, error) {
	return getEventPool(ctx, ts.execerFor(), eventID)
}
func getEventPool(ctx context.Context, ex execer, eventID string) (*core.EventPool, error) {
	row := ex.QueryRowContext(ctx, eventSelect+" WHERE event_id = ?", eventID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event pool: %w", err)
	}
	return e, nil
}

func (s *Store) LockEventPool(ctx context.Context, eventID string) (*core.EventPool, error) {
	return getEventPool(ctx, s.execerFor(), eventID)
}
func (ts *txStore) LockEventPool(ctx context.Context, eventID string) (*core.EventPool, error) {
	return getEventPool(ctx, ts.execerFor(), eventID)
}

func (s *Store) UpdateEventPool(ctx context.Context, e core.EventPool) error {
	return updateEventPool(ctx, s.execerFor(), e)
}
func (ts *txStore) UpdateEventPool(ctx context.Context, e core.EventPool) error {
	return updateEventPool(ctx, ts.execerFor(), e)
}
func updateEventPool(ctx context.Context, ex execer, e core.EventPool) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE event_pools SET status = ?, closed_at = ? WHERE event_id = ?`,
		string(e.Status), nullTime(e.ClosedAt), e.EventID)
	if err != nil {
		return fmt.Errorf("update event pool: %w", err)
	}
	return nil
}

func (s *Store) ListEventPools(ctx context.Context, filter core.EventFilter, limit, offset int) ([]core.EventPool, error) {
	return listEventPools(ctx, s.execerFor(), filter, limit, offset)
}
func (ts *txStore) ListEventPools(ctx context.Context, filter core.EventFilter, limit, offset int) ([]core.EventPool, error) {
	return listEventPools(ctx, ts.execerFor(), filter, limit, offset)
}
func listEventPools(ctx context.Context, ex execer, filter core.EventFilter, limit, offset int) ([]core.EventPool, error) {
	var conds []string
	var args []any
	if filter.CreatorUserID != "" {
		conds = append(conds, "creator_user_id = ?")
		args = append(args, filter.CreatorUserID)
	}
	if filter.HasStatus {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := eventSelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(limit), offset)

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list event pools: %w", err)
	}
	defer rows.Close()

	var out []core.EventPool
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Audit entries (append-only)
// ---------------------------------------------------------------------------

func (s *Store) InsertAuditEntry(ctx context.Context, e core.AuditEntry) error {
	return insertAuditEntry(ctx, s.execerFor(), e)
}
func (ts *txStore) InsertAuditEntry(ctx context.Context, e core.AuditEntry) error {
	return insertAuditEntry(ctx, ts.execerFor(), e)
}
func insertAuditEntry(ctx context.Context, ex execer, e core.AuditEntry) error {
	oldJSON, err := json.Marshal(e.OldValues)
	if err != nil {
		return fmt.Errorf("marshal old_values: %w", err)
	}
	newJSON, err := json.Marshal(e.NewValues)
	if err != nil {
		return fmt.Errorf("marshal new_values: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO audit_entries
		(entry_id, user_id, action_type, entity_type, entity_id, old_values_json, new_values_json,
		 ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, nullString(e.UserID), e.ActionType, e.EntityType, nullString(e.EntityID),
		string(oldJSON), string(newJSON), nullString(e.IPAddress), nullString(e.UserAgent),
		e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

const auditSelect = `
	SELECT entry_id, user_id, action_type, entity_type, entity_id, old_values_json, new_values_json,
	       ip_address, user_agent, created_at
	FROM audit_entries`

func scanAuditEntry(rows rowScanner) (*core.AuditEntry, error) {
	var (
		e                                           core.AuditEntry
		userID, entityID, ip, ua                    sql.NullString
		oldJSON, newJSON                            sql.NullString
		createdAt                                   string
	)
	if err := rows.Scan(&e.EntryID, &userID, &e.ActionType, &e.EntityType, &entityID,
		&oldJSON, &newJSON, &ip, &ua, &createdAt); err != nil {
		return nil, err
	}
	e.UserID = userID.String
	e.EntityID = entityID.String
	e.IPAddress = ip.String
	e.UserAgent = ua.String
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if oldJSON.Valid && oldJSON.String != "" && oldJSON.String != "null" {
		json.Unmarshal([]byte(oldJSON.String), &e.OldValues)
	}
	if newJSON.Valid && newJSON.String != "" && newJSON.String != "null" {
		json.Unmarshal([]byte(newJSON.String), &e.NewValues)
	}
	return &e, nil
}

func (s *Store) QueryAuditEntries(ctx context.Context, filter core.AuditFilter) ([]core.AuditEntry, error) {
	return queryAuditEntries(ctx, s.execerFor(), filter)
}
func (ts *txStore) QueryAuditEntries(ctx context.Context, filter core.AuditFilter) ([]core.AuditEntry, error) {
	return queryAuditEntries(ctx, ts.execerFor(), filter)
}
func queryAuditEntries(ctx context.Context, ex execer, filter core.AuditFilter) ([]core.AuditEntry, error) {
	var conds []string
	var args []any
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ActionType != "" {
		conds = append(conds, "action_type = ?")
		args = append(args, filter.ActionType)
	}
	if filter.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.IPAddress != "" {
		conds = append(conds, "ip_address = ?")
		args = append(args, filter.IPAddress)
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since.Format(time.RFC3339Nano))
	}
	if filter.Until != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, filter.Until.Format(time.RFC3339Nano))
	}
	query := auditSelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []core.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// AllAuditEntries streams every audit entry in created_at order to fn,
// without paginating — used by VerifyIntegrity, which must scan the whole
// log.
func (s *Store) AllAuditEntries(ctx context.Context, fn func(core.AuditEntry) error) error {
	return allAuditEntries(ctx, s.execerFor(), fn)
}
func (ts *txStore) AllAuditEntries(ctx context.Context, fn func(core.AuditEntry) error) error {
	return allAuditEntries(ctx, ts.execerFor(), fn)
}
func allAuditEntries(ctx context.Context, ex execer, fn func(core.AuditEntry) error) error {
	rows, err := ex.QueryContext(ctx, auditSelect+" ORDER BY created_at ASC")
	if err != nil {
		return fmt.Errorf("scan audit entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(*e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DeleteAuditEntriesOlderThan removes entries older than cutoff, at most
// limit rows per call, so a large retention sweep can be chunked by the
// caller (package audit) rather than holding one long-running delete.
func (s *Store) DeleteAuditEntriesOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return deleteAuditEntriesOlderThan(ctx, s.execerFor(), cutoff, limit)
}
func (ts *txStore) DeleteAuditEntriesOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return deleteAuditEntriesOlderThan(ctx, ts.execerFor(), cutoff, limit)
}
func deleteAuditEntriesOlderThan(ctx context.Context, ex execer, cutoff time.Time, limit int) (int, error) {
	res, err := ex.ExecContext(ctx, `
		DELETE FROM audit_entries WHERE entry_id IN (
			SELECT entry_id FROM audit_entries WHERE created_at < ? ORDER BY created_at ASC LIMIT ?
		)`, cutoff.Format(time.RFC3339Nano), limit)
	if err != nil {
		return 0, fmt.Errorf("delete audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullMoney(m *core.Money) any {
	if m == nil {
		return nil
	}
	return m.String()
}

func parseMoney(s string) (core.Money, error) {
	m, err := decimal.NewFromString(s)
	if err != nil {
		return core.Zero(), fmt.Errorf("parse amount %q: %w", s, err)
	}
	return m, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
