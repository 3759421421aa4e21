package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/flightcover/pkg/finance"
	"github.com/Mindburn-Labs/flightcover/pkg/identity"
	"github.com/Mindburn-Labs/flightcover/pkg/policy"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// The UNIQUE constraint on oracle_queries.policy_id backs the
// one-outstanding-query rule at the database level.
const schema = `
CREATE TABLE IF NOT EXISTS policies (
	id TEXT PRIMARY KEY,
	internal_id TEXT NOT NULL,
	flight TEXT NOT NULL,
	departure TIMESTAMP NOT NULL,
	expected_arrival TIMESTAMP NOT NULL,
	tolerance_ns BIGINT NOT NULL,
	payout TEXT NOT NULL,
	premium TEXT NOT NULL,
	loss_probability TEXT NOT NULL,
	beneficiary TEXT NOT NULL,
	last_status BIGINT,
	responses INTEGER NOT NULL DEFAULT 0,
	resolved BOOLEAN NOT NULL DEFAULT FALSE,
	actual_payout TEXT,
	resolved_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS oracle_queries (
	correlation_id TEXT PRIMARY KEY,
	policy_id TEXT NOT NULL UNIQUE REFERENCES policies(id),
	job_kind TEXT NOT NULL,
	issued_at TIMESTAMP NOT NULL,
	params_version BIGINT NOT NULL
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const selectPolicy = `
	SELECT p.id, p.internal_id, p.flight, p.departure, p.expected_arrival, p.tolerance_ns,
		p.payout, p.premium, p.loss_probability, p.beneficiary, p.last_status, p.responses,
		p.resolved, p.actual_payout, p.resolved_at, p.created_at, p.updated_at,
		q.correlation_id, q.job_kind, q.issued_at, q.params_version
	FROM policies p
	LEFT JOIN oracle_queries q ON q.policy_id = p.id
`

func (s *SQLStore) Create(ctx context.Context, p policy.Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM policies WHERE id = $1`, p.ID.String()).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return policy.ErrPolicyExists
	}

	query := `
		INSERT INTO policies (id, internal_id, flight, departure, expected_arrival, tolerance_ns,
			payout, premium, loss_probability, beneficiary, responses, resolved, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = tx.ExecContext(ctx, query,
		p.ID.String(), strconv.FormatUint(p.InternalID, 10), p.Flight, p.Departure.UTC(), p.ExpectedArrival.UTC(),
		int64(p.Tolerance), p.Payout.String(), p.Premium.String(), p.LossProbability.String(),
		p.Beneficiary.String(), p.Responses, p.Resolved, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert policy: %w", err)
	}

	if p.Pending != nil {
		if err := insertQuery(ctx, tx, p.ID, *p.Pending); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertQuery(ctx context.Context, tx *sql.Tx, id policy.ID, q policy.Query) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO oracle_queries (correlation_id, policy_id, job_kind, issued_at, params_version)
		VALUES ($1, $2, $3, $4, $5)
	`, q.CorrelationID.String(), id.String(), string(q.Kind), q.IssuedAt.UTC(), int64(q.ParamsVersion))
	if err != nil {
		return fmt.Errorf("failed to insert oracle query: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id policy.ID) (policy.Policy, error) {
	row := s.db.QueryRowContext(ctx, selectPolicy+` WHERE p.id = $1`, id.String())
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Policy{}, policy.ErrPolicyNotFound
	}
	return p, err
}

func (s *SQLStore) MarkPending(ctx context.Context, id policy.ID, q policy.Query) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var resolved bool
	err = tx.QueryRowContext(ctx, `SELECT resolved FROM policies WHERE id = $1`, id.String()).Scan(&resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.ErrPolicyNotFound
	}
	if err != nil {
		return err
	}
	if resolved {
		return policy.ErrAlreadyResolved
	}

	var pending int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM oracle_queries WHERE policy_id = $1`, id.String()).Scan(&pending)
	if err != nil {
		return err
	}
	if pending > 0 {
		return policy.ErrDuplicateRequest
	}

	if err := insertQuery(ctx, tx, id, q); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE policies SET updated_at = $1 WHERE id = $2`, q.IssuedAt.UTC(), id.String()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) ClearPending(ctx context.Context, id policy.ID, corr uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oracle_queries WHERE correlation_id = $1 AND policy_id = $2`,
		corr.String(), id.String())
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return policy.ErrUnknownCorrelationID
	}
	return nil
}

func (s *SQLStore) Lookup(ctx context.Context, corr uuid.UUID) (policy.ID, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT policy_id FROM oracle_queries WHERE correlation_id = $1`, corr.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.ID{}, policy.ErrUnknownCorrelationID
	}
	if err != nil {
		return policy.ID{}, err
	}
	return policy.ParseID(raw)
}

func (s *SQLStore) Apply(ctx context.Context, id policy.ID, corr uuid.UUID, r policy.Resolution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM oracle_queries WHERE correlation_id = $1 AND policy_id = $2`,
		corr.String(), id.String())
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return policy.ErrUnknownCorrelationID
	}

	var update sql.Result
	if r.Resolved {
		update, err = tx.ExecContext(ctx, `
			UPDATE policies
			SET last_status = $1, responses = responses + 1, resolved = TRUE,
				actual_payout = $2, resolved_at = $3, updated_at = $3
			WHERE id = $4 AND resolved = FALSE
		`, int64(r.Status), r.Payout.String(), r.At.UTC(), id.String())
	} else {
		update, err = tx.ExecContext(ctx, `
			UPDATE policies
			SET last_status = $1, responses = responses + 1, updated_at = $2
			WHERE id = $3 AND resolved = FALSE
		`, int64(r.Status), r.At.UTC(), id.String())
	}
	if err != nil {
		return err
	}
	rows, err = update.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return policy.ErrAlreadyResolved
	}
	return tx.Commit()
}

func (s *SQLStore) Discard(ctx context.Context, id policy.ID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM oracle_queries WHERE policy_id = $1`, id.String()); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM policies WHERE id = $1 AND resolved = FALSE AND responses = 0`, id.String())
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return errHasHistory
	}
	return tx.Commit()
}

func (s *SQLStore) ListActive(ctx context.Context) ([]policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx, selectPolicy+` WHERE p.resolved = FALSE AND q.correlation_id IS NULL ORDER BY p.id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var result []policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row scanner) (policy.Policy, error) {
	var (
		p            policy.Policy
		id           string
		internalID   string
		toleranceNs  int64
		payout       string
		premium      string
		lossProb     string
		beneficiary  string
		lastStatus   sql.NullInt64
		actualPayout sql.NullString
		resolvedAt   sql.NullTime
		corr         sql.NullString
		jobKind      sql.NullString
		issuedAt     sql.NullTime
		paramsVer    sql.NullInt64
	)
	err := row.Scan(&id, &internalID, &p.Flight, &p.Departure, &p.ExpectedArrival, &toleranceNs,
		&payout, &premium, &lossProb, &beneficiary, &lastStatus, &p.Responses,
		&p.Resolved, &actualPayout, &resolvedAt, &p.CreatedAt, &p.UpdatedAt,
		&corr, &jobKind, &issuedAt, &paramsVer)
	if err != nil {
		return policy.Policy{}, err
	}

	if p.ID, err = policy.ParseID(id); err != nil {
		return policy.Policy{}, err
	}
	if p.InternalID, err = strconv.ParseUint(internalID, 10, 64); err != nil {
		return policy.Policy{}, fmt.Errorf("corrupt internal id for %s: %w", id, err)
	}
	p.Tolerance = time.Duration(toleranceNs)
	if p.Payout, err = finance.ParseAmount(payout, finance.CurrencyScale); err != nil {
		return policy.Policy{}, err
	}
	if p.Premium, err = finance.ParseAmount(premium, finance.CurrencyScale); err != nil {
		return policy.Policy{}, err
	}
	if p.LossProbability, err = finance.ParseAmount(lossProb, finance.WadScale); err != nil {
		return policy.Policy{}, err
	}
	if p.Beneficiary, err = identity.ParseAddress(beneficiary); err != nil {
		return policy.Policy{}, err
	}

	if lastStatus.Valid {
		st := policy.Status(lastStatus.Int64)
		p.LastStatus = &st
	}
	p.ActualPayout = finance.Zero(finance.CurrencyScale)
	if actualPayout.Valid {
		if p.ActualPayout, err = finance.ParseAmount(actualPayout.String, finance.CurrencyScale); err != nil {
			return policy.Policy{}, err
		}
	}
	if resolvedAt.Valid {
		p.ResolvedAt = resolvedAt.Time
	}

	if corr.Valid {
		cid, err := uuid.Parse(corr.String)
		if err != nil {
			return policy.Policy{}, fmt.Errorf("corrupt correlation id for %s: %w", id, err)
		}
		p.Pending = &policy.Query{
			CorrelationID: cid,
			Kind:          policy.JobKind(jobKind.String),
			IssuedAt:      issuedAt.Time,
			ParamsVersion: uint64(paramsVer.Int64),
		}
	}
	return p, nil
}
