// internal/storage/postgres.go
// PostgreSQL Store implementation, intended for production use. Uniqueness
// invariants (endpoint, tx hash, payment id, consumed proof, dispute id) are
// carried by UNIQUE constraints; multi-index operations run inside a single
// transaction so they are never observably partial.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AgentMesh/agentmesh-registry-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL storage implementation. It establishes
// a connection pool and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Agent identities
		CREATE TABLE IF NOT EXISTS agents (
		    id BIGSERIAL PRIMARY KEY,                -- Monotonic identity id, never reused
		    name TEXT NOT NULL,
		    description TEXT NOT NULL,
		    endpoint TEXT NOT NULL UNIQUE,           -- Global endpoint uniqueness
		    metadata_uri TEXT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    is_active BOOLEAN NOT NULL DEFAULT TRUE,
		    owner TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner);

		-- Capability index (exact inverse of the identities' capability sets)
		CREATE TABLE IF NOT EXISTS agent_capabilities (
		    agent_id BIGINT NOT NULL REFERENCES agents(id),
		    capability TEXT NOT NULL,
		    PRIMARY KEY (agent_id, capability)
		);
		CREATE INDEX IF NOT EXISTS idx_agent_capabilities_capability ON agent_capabilities(capability);

		-- Payments
		CREATE TABLE IF NOT EXISTS payments (
		    id TEXT PRIMARY KEY,                     -- Derived payment id
		    agent_id BIGINT NOT NULL,
		    payer TEXT NOT NULL,
		    payee TEXT NOT NULL,
		    amount NUMERIC NOT NULL,
		    token TEXT NOT NULL,
		    service_description TEXT NOT NULL,
		    task_id TEXT,
		    ts TIMESTAMP WITH TIME ZONE NOT NULL,
		    tx_hash TEXT NOT NULL UNIQUE,            -- Replay protection
		    verified BOOLEAN NOT NULL DEFAULT FALSE,
		    refunded BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_payments_agent ON payments(agent_id);
		CREATE INDEX IF NOT EXISTS idx_payments_payer ON payments(payer);

		-- Per-agent payment aggregates (earnings accrue at verification)
		CREATE TABLE IF NOT EXISTS agent_payment_stats (
		    agent_id BIGINT PRIMARY KEY,
		    count BIGINT NOT NULL DEFAULT 0,
		    verified_count BIGINT NOT NULL DEFAULT 0,
		    total_earnings NUMERIC NOT NULL DEFAULT 0
		);

		-- Feedback; the UNIQUE payment_proof_id is the exactly-once consumption
		CREATE TABLE IF NOT EXISTS feedback (
		    seq BIGSERIAL PRIMARY KEY,               -- Insertion order for pagination
		    agent_id BIGINT NOT NULL,
		    reviewer TEXT NOT NULL,
		    rating INTEGER NOT NULL,
		    comment TEXT NOT NULL,
		    payment_proof_id TEXT NOT NULL UNIQUE,
		    ts TIMESTAMP WITH TIME ZONE NOT NULL,
		    verified BOOLEAN NOT NULL DEFAULT TRUE
		);
		CREATE INDEX IF NOT EXISTS idx_feedback_agent ON feedback(agent_id, seq);

		-- Reputation score aggregates
		CREATE TABLE IF NOT EXISTS reputation_scores (
		    agent_id BIGINT PRIMARY KEY,
		    total_rating BIGINT NOT NULL DEFAULT 0,
		    feedback_count BIGINT NOT NULL DEFAULT 0,
		    average_rating BIGINT NOT NULL DEFAULT 0
		);

		-- Blocked reviewers
		CREATE TABLE IF NOT EXISTS blocked_reviewers (
		    reviewer TEXT PRIMARY KEY
		);

		-- Validation log (append-only)
		CREATE TABLE IF NOT EXISTS validations (
		    agent_id BIGINT NOT NULL,
		    idx INTEGER NOT NULL,                    -- Position in the agent's log
		    vtype TEXT NOT NULL,
		    validator TEXT NOT NULL,
		    passed BOOLEAN NOT NULL,
		    result_hash TEXT NOT NULL,
		    ts TIMESTAMP WITH TIME ZONE NOT NULL,
		    expires_at TIMESTAMP WITH TIME ZONE,
		    metadata TEXT,
		    PRIMARY KEY (agent_id, idx)
		);

		-- Per-agent validation aggregates
		CREATE TABLE IF NOT EXISTS validation_stats (
		    agent_id BIGINT PRIMARY KEY,
		    total BIGINT NOT NULL DEFAULT 0,
		    passed BIGINT NOT NULL DEFAULT 0,
		    failed BIGINT NOT NULL DEFAULT 0,
		    last_validation TIMESTAMP WITH TIME ZONE
		);

		-- Validation disputes keyed by derived dispute id
		CREATE TABLE IF NOT EXISTS disputes (
		    id TEXT PRIMARY KEY,
		    agent_id BIGINT NOT NULL,
		    idx INTEGER NOT NULL,
		    raiser TEXT NOT NULL,
		    status TEXT NOT NULL,
		    raised_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    resolved_at TIMESTAMP WITH TIME ZONE
		);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// isUniqueViolation reports whether err is a unique-constraint violation,
// optionally scoped to a named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func (p *postgres) CreateAgent(ctx context.Context, a model.AgentIdentity) (model.AgentID, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO agents (name, description, endpoint, metadata_uri, created_at, is_active, owner)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		a.Name, a.Description, a.Endpoint, a.MetadataURI, a.CreatedAt, a.IsActive, a.Owner).Scan(&id)
	if err != nil {
		if isUniqueViolation(err, "") {
			return 0, ErrDuplicateEndpoint
		}
		return 0, fmt.Errorf("failed to create agent: %w", err)
	}

	for _, c := range a.Capabilities {
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_capabilities (agent_id, capability) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			id, c); err != nil {
			return 0, fmt.Errorf("failed to index capability: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit agent creation: %w", err)
	}
	return model.AgentID(id), nil
}

func (p *postgres) GetAgent(ctx context.Context, id model.AgentID) (*model.AgentIdentity, error) {
	var a model.AgentIdentity
	err := p.db.QueryRow(ctx,
		`SELECT id, name, description, endpoint, metadata_uri, created_at, is_active, owner
		 FROM agents WHERE id = $1`, int64(id)).Scan(
		&a.ID, &a.Name, &a.Description, &a.Endpoint, &a.MetadataURI, &a.CreatedAt, &a.IsActive, &a.Owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	rows, err := p.db.Query(ctx,
		`SELECT capability FROM agent_capabilities WHERE agent_id = $1 ORDER BY capability`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load capabilities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan capability: %w", err)
		}
		a.Capabilities = append(a.Capabilities, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating capabilities: %w", err)
	}

	return &a, nil
}

// lockAgentOwner reads an agent's owner with a row lock inside tx.
func lockAgentOwner(ctx context.Context, tx pgx.Tx, id model.AgentID) (string, error) {
	var owner string
	err := tx.QueryRow(ctx, `SELECT owner FROM agents WHERE id = $1 FOR UPDATE`, int64(id)).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to lock agent: %w", err)
	}
	return owner, nil
}

func (p *postgres) UpdateAgent(ctx context.Context, id model.AgentID, caller, description string, capabilities []string, metadataURI string) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	owner, err := lockAgentOwner(ctx, tx, id)
	if err != nil {
		return err
	}
	if owner != caller {
		return ErrNotOwner
	}

	// Re-index inside the transaction: removal and addition commit together.
	if _, err := tx.Exec(ctx, `DELETE FROM agent_capabilities WHERE agent_id = $1`, int64(id)); err != nil {
		return fmt.Errorf("failed to clear capability index: %w", err)
	}
	for _, c := range capabilities {
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_capabilities (agent_id, capability) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			int64(id), c); err != nil {
			return fmt.Errorf("failed to index capability: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE agents SET description = $1, metadata_uri = $2 WHERE id = $3`,
		description, metadataURI, int64(id)); err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *postgres) SetAgentActive(ctx context.Context, id model.AgentID, caller string, active bool) (bool, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var owner string
	var current bool
	err = tx.QueryRow(ctx, `SELECT owner, is_active FROM agents WHERE id = $1 FOR UPDATE`, int64(id)).Scan(&owner, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("failed to lock agent: %w", err)
	}
	if owner != caller {
		return false, ErrNotOwner
	}
	if current == active {
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `UPDATE agents SET is_active = $1 WHERE id = $2`, active, int64(id)); err != nil {
		return false, fmt.Errorf("failed to update agent: %w", err)
	}
	return true, tx.Commit(ctx)
}

func (p *postgres) TransferAgentOwner(ctx context.Context, id model.AgentID, from, to string) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	owner, err := lockAgentOwner(ctx, tx, id)
	if err != nil {
		return err
	}
	if owner != from {
		return ErrNotOwner
	}

	if _, err := tx.Exec(ctx, `UPDATE agents SET owner = $1 WHERE id = $2`, to, int64(id)); err != nil {
		return fmt.Errorf("failed to transfer ownership: %w", err)
	}
	return tx.Commit(ctx)
}

// scanAgentIDs drains an id query into a slice.
func scanAgentIDs(rows pgx.Rows) ([]model.AgentID, error) {
	defer rows.Close()
	ids := make([]model.AgentID, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan agent id: %w", err)
		}
		ids = append(ids, model.AgentID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent ids: %w", err)
	}
	return ids, nil
}

func (p *postgres) AgentsByCapability(ctx context.Context, capability string) ([]model.AgentID, error) {
	rows, err := p.db.Query(ctx,
		`SELECT agent_id FROM agent_capabilities WHERE capability = $1 ORDER BY agent_id`, capability)
	if err != nil {
		return nil, fmt.Errorf("failed to query capability index: %w", err)
	}
	return scanAgentIDs(rows)
}

func (p *postgres) AgentsByOwner(ctx context.Context, owner string) ([]model.AgentID, error) {
	rows, err := p.db.Query(ctx, `SELECT id FROM agents WHERE owner = $1 ORDER BY id`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query owner index: %w", err)
	}
	return scanAgentIDs(rows)
}

func (p *postgres) CreatePayment(ctx context.Context, pay model.Payment) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO payments (id, agent_id, payer, payee, amount, token, service_description, task_id, ts, tx_hash, verified, refunded)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, FALSE)`,
		pay.ID, int64(pay.AgentID), pay.Payer, pay.Payee, pay.Amount, pay.Token,
		pay.ServiceDescription, pay.TaskID, pay.Timestamp, pay.TxHash)
	if err != nil {
		if isUniqueViolation(err, "payments_tx_hash_key") {
			return ErrDuplicateTx
		}
		if isUniqueViolation(err, "payments_pkey") {
			return ErrIDCollision
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_payment_stats (agent_id, count) VALUES ($1, 1)
		 ON CONFLICT (agent_id) DO UPDATE SET count = agent_payment_stats.count + 1`,
		int64(pay.AgentID)); err != nil {
		return fmt.Errorf("failed to update payment stats: %w", err)
	}

	return tx.Commit(ctx)
}

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var pay model.Payment
	var taskID *string
	err := row.Scan(&pay.ID, &pay.AgentID, &pay.Payer, &pay.Payee, &pay.Amount, &pay.Token,
		&pay.ServiceDescription, &taskID, &pay.Timestamp, &pay.TxHash, &pay.Verified, &pay.Refunded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	if taskID != nil {
		pay.TaskID = *taskID
	}
	return &pay, nil
}

const paymentColumns = `id, agent_id, payer, payee, amount, token, service_description, task_id, ts, tx_hash, verified, refunded`

func (p *postgres) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	return scanPayment(p.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (p *postgres) MarkPaymentVerified(ctx context.Context, id string) (*model.Payment, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pay, err := scanPayment(tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if pay.Refunded {
		return nil, ErrRefunded
	}
	if pay.Verified {
		return nil, ErrAlreadyVerified
	}

	if _, err := tx.Exec(ctx, `UPDATE payments SET verified = TRUE WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("failed to verify payment: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_payment_stats (agent_id, verified_count, total_earnings) VALUES ($1, 1, $2)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   verified_count = agent_payment_stats.verified_count + 1,
		   total_earnings = agent_payment_stats.total_earnings + $2`,
		int64(pay.AgentID), pay.Amount); err != nil {
		return nil, fmt.Errorf("failed to accrue earnings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit verification: %w", err)
	}
	pay.Verified = true
	return pay, nil
}

func (p *postgres) MarkPaymentRefunded(ctx context.Context, id string) (*model.Payment, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pay, err := scanPayment(tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if pay.Refunded {
		return nil, ErrRefunded
	}

	if _, err := tx.Exec(ctx, `UPDATE payments SET refunded = TRUE WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("failed to refund payment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit refund: %w", err)
	}
	pay.Refunded = true
	return pay, nil
}

// scanPaymentIDs drains a payment-id query into a slice.
func scanPaymentIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan payment id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payment ids: %w", err)
	}
	return ids, nil
}

func (p *postgres) PaymentsByAgent(ctx context.Context, agentID model.AgentID) ([]string, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id FROM payments WHERE agent_id = $1 ORDER BY ts, id`, int64(agentID))
	if err != nil {
		return nil, fmt.Errorf("failed to query payments by agent: %w", err)
	}
	return scanPaymentIDs(rows)
}

func (p *postgres) PaymentsByPayer(ctx context.Context, payer string) ([]string, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id FROM payments WHERE payer = $1 ORDER BY ts, id`, payer)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments by payer: %w", err)
	}
	return scanPaymentIDs(rows)
}

func (p *postgres) TxRecorded(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE tx_hash = $1)`, txHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check tx hash: %w", err)
	}
	return exists, nil
}

func (p *postgres) AgentPaymentStats(ctx context.Context, agentID model.AgentID) (*model.AgentPaymentStats, error) {
	stats := &model.AgentPaymentStats{AgentID: agentID, TotalEarnings: decimal.Zero}
	err := p.db.QueryRow(ctx,
		`SELECT count, verified_count, total_earnings FROM agent_payment_stats WHERE agent_id = $1`,
		int64(agentID)).Scan(&stats.Count, &stats.VerifiedCount, &stats.TotalEarnings)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to get payment stats: %w", err)
	}
	return stats, nil
}

func (p *postgres) GlobalPaymentStats(ctx context.Context) (*model.GlobalPaymentStats, error) {
	stats := &model.GlobalPaymentStats{TotalVolume: decimal.Zero}
	err := p.db.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM payments`).Scan(&stats.TotalPayments, &stats.TotalVolume)
	if err != nil {
		return nil, fmt.Errorf("failed to get global payment stats: %w", err)
	}
	return stats, nil
}

func (p *postgres) AppendFeedback(ctx context.Context, fb model.Feedback) (*model.ReputationScore, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// A consumed proof rejects before the payment re-check so the caller sees
	// the same error regardless of what happened to the payment afterwards.
	// The UNIQUE constraint on the insert below still closes the race.
	var used bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM feedback WHERE payment_proof_id = $1)`, fb.PaymentProofID).Scan(&used)
	if err != nil {
		return nil, fmt.Errorf("failed to check proof consumption: %w", err)
	}
	if used {
		return nil, ErrProofUsed
	}

	// Commit-time re-check of the proof payment under a row lock.
	var verified, refunded bool
	err = tx.QueryRow(ctx,
		`SELECT verified, refunded FROM payments WHERE id = $1 FOR SHARE`, fb.PaymentProofID).Scan(&verified, &refunded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to re-check proof payment: %w", err)
	}
	if refunded {
		return nil, ErrRefunded
	}
	if !verified {
		return nil, ErrPaymentUnverified
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO feedback (agent_id, reviewer, rating, comment, payment_proof_id, ts, verified)
		 VALUES ($1, $2, $3, $4, $5, $6, TRUE)`,
		int64(fb.AgentID), fb.Reviewer, fb.Rating, fb.Comment, fb.PaymentProofID, fb.Timestamp)
	if err != nil {
		if isUniqueViolation(err, "") {
			return nil, ErrProofUsed
		}
		return nil, fmt.Errorf("failed to append feedback: %w", err)
	}

	var score model.ReputationScore
	err = tx.QueryRow(ctx,
		`INSERT INTO reputation_scores (agent_id, total_rating, feedback_count, average_rating)
		 VALUES ($1, $2, 1, $2 * 100)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   total_rating = reputation_scores.total_rating + $2,
		   feedback_count = reputation_scores.feedback_count + 1,
		   average_rating = (reputation_scores.total_rating + $2) * 100 / (reputation_scores.feedback_count + 1)
		 RETURNING total_rating, feedback_count, average_rating`,
		int64(fb.AgentID), fb.Rating).Scan(&score.TotalRating, &score.FeedbackCount, &score.AverageRating)
	if err != nil {
		return nil, fmt.Errorf("failed to update reputation score: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit feedback: %w", err)
	}
	return &score, nil
}

func (p *postgres) ProofConsumed(ctx context.Context, proofID string) (bool, error) {
	var used bool
	err := p.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM feedback WHERE payment_proof_id = $1)`, proofID).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("failed to check proof consumption: %w", err)
	}
	return used, nil
}

func (p *postgres) FeedbackByAgent(ctx context.Context, agentID model.AgentID, offset, limit int) ([]model.Feedback, error) {
	if offset < 0 {
		return []model.Feedback{}, nil
	}
	// LIMIT NULL means no limit.
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := p.db.Query(ctx,
		`SELECT agent_id, reviewer, rating, comment, payment_proof_id, ts, verified
		 FROM feedback WHERE agent_id = $1 ORDER BY seq OFFSET $2 LIMIT $3`,
		int64(agentID), offset, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	out := make([]model.Feedback, 0)
	for rows.Next() {
		var fb model.Feedback
		if err := rows.Scan(&fb.AgentID, &fb.Reviewer, &fb.Rating, &fb.Comment,
			&fb.PaymentProofID, &fb.Timestamp, &fb.Verified); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		out = append(out, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feedback: %w", err)
	}
	return out, nil
}

func (p *postgres) ReputationScore(ctx context.Context, agentID model.AgentID) (*model.ReputationScore, error) {
	var score model.ReputationScore
	err := p.db.QueryRow(ctx,
		`SELECT total_rating, feedback_count, average_rating FROM reputation_scores WHERE agent_id = $1`,
		int64(agentID)).Scan(&score.TotalRating, &score.FeedbackCount, &score.AverageRating)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to get reputation score: %w", err)
	}
	return &score, nil
}

func (p *postgres) TopAgents(ctx context.Context, minFeedback int64, limit int) ([]model.RankedAgent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.Query(ctx,
		`SELECT agent_id, total_rating, feedback_count, average_rating
		 FROM reputation_scores WHERE feedback_count >= $1
		 ORDER BY average_rating DESC, agent_id LIMIT $2`, minFeedback, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top agents: %w", err)
	}
	defer rows.Close()

	out := make([]model.RankedAgent, 0)
	for rows.Next() {
		var r model.RankedAgent
		if err := rows.Scan(&r.AgentID, &r.Score.TotalRating, &r.Score.FeedbackCount, &r.Score.AverageRating); err != nil {
			return nil, fmt.Errorf("failed to scan ranked agent: %w", err)
		}
		r.Tier = model.TierFor(r.Score)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ranked agents: %w", err)
	}
	return out, nil
}

func (p *postgres) SetReviewerBlocked(ctx context.Context, reviewer string, blocked bool) error {
	var err error
	if blocked {
		_, err = p.db.Exec(ctx,
			`INSERT INTO blocked_reviewers (reviewer) VALUES ($1) ON CONFLICT DO NOTHING`, reviewer)
	} else {
		_, err = p.db.Exec(ctx, `DELETE FROM blocked_reviewers WHERE reviewer = $1`, reviewer)
	}
	if err != nil {
		return fmt.Errorf("failed to update reviewer block: %w", err)
	}
	return nil
}

func (p *postgres) ReviewerBlocked(ctx context.Context, reviewer string) (bool, error) {
	var blocked bool
	err := p.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM blocked_reviewers WHERE reviewer = $1)`, reviewer).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("failed to check reviewer block: %w", err)
	}
	return blocked, nil
}

func (p *postgres) AppendValidation(ctx context.Context, v model.Validation) (int, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Stats row doubles as the index allocator for the agent's log.
	var total int64
	err = tx.QueryRow(ctx,
		`INSERT INTO validation_stats (agent_id, total, passed, failed, last_validation)
		 VALUES ($1, 1, $2, $3, $4)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   total = validation_stats.total + 1,
		   passed = validation_stats.passed + $2,
		   failed = validation_stats.failed + $3,
		   last_validation = $4
		 RETURNING total`,
		int64(v.AgentID), boolToInt(v.Passed), boolToInt(!v.Passed), v.Timestamp).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to update validation stats: %w", err)
	}
	index := int(total - 1)

	var expiresAt *time.Time
	if !v.ExpiresAt.IsZero() {
		expiresAt = &v.ExpiresAt
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO validations (agent_id, idx, vtype, validator, passed, result_hash, ts, expires_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		int64(v.AgentID), index, string(v.Type), v.Validator, v.Passed, v.ResultHash,
		v.Timestamp, expiresAt, v.Metadata); err != nil {
		return 0, fmt.Errorf("failed to append validation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit validation: %w", err)
	}
	return index, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (p *postgres) ValidationsByAgent(ctx context.Context, agentID model.AgentID) ([]model.Validation, error) {
	rows, err := p.db.Query(ctx,
		`SELECT agent_id, vtype, validator, passed, result_hash, ts, expires_at, metadata
		 FROM validations WHERE agent_id = $1 ORDER BY idx`, int64(agentID))
	if err != nil {
		return nil, fmt.Errorf("failed to query validations: %w", err)
	}
	defer rows.Close()

	out := make([]model.Validation, 0)
	for rows.Next() {
		var v model.Validation
		var expiresAt *time.Time
		var metadata *string
		if err := rows.Scan(&v.AgentID, &v.Type, &v.Validator, &v.Passed, &v.ResultHash,
			&v.Timestamp, &expiresAt, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan validation: %w", err)
		}
		if expiresAt != nil {
			v.ExpiresAt = *expiresAt
		}
		if metadata != nil {
			v.Metadata = *metadata
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating validations: %w", err)
	}
	return out, nil
}

func (p *postgres) ValidationStats(ctx context.Context, agentID model.AgentID) (*model.ValidationStats, error) {
	var stats model.ValidationStats
	var last *time.Time
	err := p.db.QueryRow(ctx,
		`SELECT total, passed, failed, last_validation FROM validation_stats WHERE agent_id = $1`,
		int64(agentID)).Scan(&stats.Total, &stats.Passed, &stats.Failed, &last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to get validation stats: %w", err)
	}
	if last != nil {
		stats.LastValidation = *last
	}
	return &stats, nil
}

func (p *postgres) OpenDispute(ctx context.Context, d model.Dispute) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM validations WHERE agent_id = $1 AND idx = $2)`,
		int64(d.AgentID), d.Index).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check validation index: %w", err)
	}
	if !exists {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO disputes (id, agent_id, idx, raiser, status, raised_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, int64(d.AgentID), d.Index, d.Raiser, string(d.Status), d.RaisedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrAlreadyDisputed
		}
		return fmt.Errorf("failed to open dispute: %w", err)
	}

	return tx.Commit(ctx)
}

func scanDispute(row pgx.Row) (*model.Dispute, error) {
	var d model.Dispute
	var resolvedAt *time.Time
	err := row.Scan(&d.ID, &d.AgentID, &d.Index, &d.Raiser, &d.Status, &d.RaisedAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan dispute: %w", err)
	}
	if resolvedAt != nil {
		d.ResolvedAt = *resolvedAt
	}
	return &d, nil
}

func (p *postgres) GetDispute(ctx context.Context, id string) (*model.Dispute, error) {
	return scanDispute(p.db.QueryRow(ctx,
		`SELECT id, agent_id, idx, raiser, status, raised_at, resolved_at FROM disputes WHERE id = $1`, id))
}

func (p *postgres) ResolveDispute(ctx context.Context, id string, overturned bool) (*model.Dispute, error) {
	status := model.DisputeUpheld
	if overturned {
		status = model.DisputeOverturned
	}

	d, err := scanDispute(p.db.QueryRow(ctx,
		`UPDATE disputes SET status = $1, resolved_at = NOW()
		 WHERE id = $2 AND status = $3
		 RETURNING id, agent_id, idx, raiser, status, raised_at, resolved_at`,
		string(status), id, string(model.DisputeOpen)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoDispute
		}
		return nil, err
	}
	return d, nil
}
