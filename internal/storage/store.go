// Package storage is the Postgres side of the system: connected cloud
// accounts and the cost, waste and recommendation rows the jobs produce.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrAccountNotFound = errors.New("storage: account not found")

// Account statuses.
const (
	AccountPending   = "pending"
	AccountConnected = "connected"
	AccountSyncing   = "syncing"
	AccountError     = "error"
)

type Account struct {
	ID           string
	UserID       string
	Name         string
	ExternalID   string
	Region       string
	RoleARN      string
	IsActive     bool
	Status       string
	ErrorMessage string
	LastSync     *time.Time
}

type CostRecord struct {
	Date     time.Time
	Service  string
	Region   string
	Cost     float64
	Currency string
}

type WasteItem struct {
	ResourceID     string
	ResourceType   string
	Category       string
	Region         string
	MonthlySavings float64
	Details        map[string]any
}

type Recommendation struct {
	Type           string
	ResourceID     string
	Title          string
	Description    string
	MonthlySavings float64
}

// UpsertResult splits written rows into fresh inserts and updates.
type UpsertResult struct {
	Created int
	Updated int
}

func (r UpsertResult) Total() int { return r.Created + r.Updated }

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const accountCols = `id::text, user_id, name, account_id, region, coalesce(role_arn, ''),
is_active, status, coalesce(error_message, ''), last_sync`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.ExternalID, &a.Region, &a.RoleARN,
		&a.IsActive, &a.Status, &a.ErrorMessage, &a.LastSync)
	return a, err
}

func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Account{}, ErrAccountNotFound
	}
	a, err := scanAccount(s.db.QueryRow(ctx, `select `+accountCols+` from aws_accounts where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("storage: get account %s: %w", id, err)
	}
	return a, nil
}

// GetAccounts returns the accounts among ids that exist. Unknown ids are
// skipped.
func (s *Store) GetAccounts(ctx context.Context, ids []string) ([]Account, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return nil, nil
	}
	return s.queryAccounts(ctx, `select `+accountCols+` from aws_accounts where id = any($1::uuid[]) order by created_at`, valid)
}

func (s *Store) ListActiveAccounts(ctx context.Context) ([]Account, error) {
	return s.queryAccounts(ctx, `select `+accountCols+` from aws_accounts where is_active order by created_at`)
}

func (s *Store) queryAccounts(ctx context.Context, sql string, args ...any) ([]Account, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list accounts: %w", err)
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAccountStatus records a health outcome. An empty errMsg clears the
// stored error.
func (s *Store) SetAccountStatus(ctx context.Context, id, status, errMsg string) error {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	tag, err := s.db.Exec(ctx,
		`update aws_accounts set status = $2, error_message = $3, updated_at = now() where id = $1`,
		id, status, msg)
	if err != nil {
		return fmt.Errorf("storage: set account status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *Store) MarkSynced(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`update aws_accounts set last_sync = $2, status = 'connected', error_message = null, updated_at = now() where id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("storage: mark synced: %w", err)
	}
	return nil
}

// upsertBatch runs one statement per row in a single round trip. Each
// statement must return a boolean that is true for inserted rows.
func (s *Store) upsertBatch(ctx context.Context, b *pgx.Batch) (UpsertResult, error) {
	var res UpsertResult
	if b.Len() == 0 {
		return res, nil
	}
	br := s.db.SendBatch(ctx, b)
	defer br.Close()
	for i := 0; i < b.Len(); i++ {
		var inserted bool
		if err := br.QueryRow().Scan(&inserted); err != nil {
			return res, err
		}
		if inserted {
			res.Created++
		} else {
			res.Updated++
		}
	}
	return res, nil
}

func (s *Store) SaveCosts(ctx context.Context, accountID string, recs []CostRecord) (UpsertResult, error) {
	b := &pgx.Batch{}
	for _, r := range recs {
		b.Queue(`insert into cost_records (id, account_id, date, service, region, cost, currency)
values ($1, $2, $3, $4, $5, $6, $7)
on conflict (account_id, date, service, region)
do update set cost = excluded.cost, currency = excluded.currency
returning (xmax = 0)`,
			uuid.NewString(), accountID, r.Date, r.Service, r.Region, r.Cost, r.Currency)
	}
	res, err := s.upsertBatch(ctx, b)
	if err != nil {
		return res, fmt.Errorf("storage: save costs: %w", err)
	}
	return res, nil
}

func (s *Store) SaveWasteItems(ctx context.Context, accountID string, items []WasteItem) (UpsertResult, error) {
	b := &pgx.Batch{}
	for _, it := range items {
		b.Queue(`insert into waste_items (id, account_id, resource_id, resource_type, category, region, monthly_savings, details)
values ($1, $2, $3, $4, $5, $6, $7, $8)
on conflict (account_id, resource_id, category)
do update set monthly_savings = excluded.monthly_savings, details = excluded.details, updated_at = now()
returning (xmax = 0)`,
			uuid.NewString(), accountID, it.ResourceID, it.ResourceType, it.Category, it.Region, it.MonthlySavings, it.Details)
	}
	res, err := s.upsertBatch(ctx, b)
	if err != nil {
		return res, fmt.Errorf("storage: save waste items: %w", err)
	}
	return res, nil
}

// ReplaceRecommendations swaps the pending recommendations of an account
// for recs in one transaction.
func (s *Store) ReplaceRecommendations(ctx context.Context, accountID string, recs []Recommendation) (int, error) {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`delete from recommendations where account_id = $1 and status = 'pending'`, accountID); err != nil {
			return err
		}
		rows := make([][]any, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, []any{uuid.New(), accountID, r.Type, r.ResourceID, r.Title, r.Description, r.MonthlySavings})
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"recommendations"},
			[]string{"id", "account_id", "type", "resource_id", "title", "description", "monthly_savings"},
			pgx.CopyFromRows(rows))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: replace recommendations: %w", err)
	}
	return len(recs), nil
}

func (s *Store) DeleteCostRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from cost_records where date < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: delete cost records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }
