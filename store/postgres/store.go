// Package postgres provides a TokenStore backed by PostgreSQL.
//
// One row per (processor, segment) holds the serialized token, the claim
// owner, and the claim timestamp. Claims are taken and renewed with
// conditional UPDATEs, so ownership transfers are atomic even across
// database sessions, and claims older than the configured timeout may be
// stolen.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tsobe/pooled/types"
)

// Config configures the PostgreSQL token store.
type Config struct {
	// NodeID identifies this instance as a claim owner.
	NodeID string

	// ClaimTimeout is how long a claim survives without renewal before
	// other instances may steal it. Default: 10s.
	ClaimTimeout time.Duration

	// Codec serializes tokens. Default: the global sequence codec.
	Codec types.TokenCodec
}

// Store is a TokenStore on a PostgreSQL database.
type Store struct {
	db           *sql.DB
	nodeID       string
	claimTimeout time.Duration
	codec        types.TokenCodec
}

// Compile-time assertion that Store implements TokenStore.
var _ types.TokenStore = (*Store)(nil)

// New creates a store handle on the given database.
func New(db *sql.DB, cfg Config) (*Store, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node ID is required")
	}
	if cfg.ClaimTimeout == 0 {
		cfg.ClaimTimeout = 10 * time.Second
	}
	if cfg.Codec == nil {
		cfg.Codec = types.NewGlobalSequenceCodec()
	}

	return &Store{
		db:           db,
		nodeID:       cfg.NodeID,
		claimTimeout: cfg.ClaimTimeout,
		codec:        cfg.Codec,
	}, nil
}

// EnsureSchema creates the token tables when they don't exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS pooled_tokens (
		processor_name VARCHAR(255) NOT NULL,
		segment        INTEGER NOT NULL,
		token          BYTEA,
		owner          VARCHAR(255),
		claimed_at     TIMESTAMP WITH TIME ZONE,
		PRIMARY KEY (processor_name, segment)
	);

	CREATE TABLE IF NOT EXISTS pooled_token_identifier (
		identifier VARCHAR(255) NOT NULL
	);

	INSERT INTO pooled_token_identifier (identifier)
	SELECT md5(random()::text)
	WHERE NOT EXISTS (SELECT 1 FROM pooled_token_identifier);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create token schema: %w", err)
	}

	return nil
}

func (s *Store) InitializeTokenSegments(ctx context.Context, name string, count int, initial types.TrackingToken) error {
	encoded, err := s.codec.Marshal(initial)
	if err != nil {
		return fmt.Errorf("failed to encode initial token: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existing int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pooled_tokens WHERE processor_name = $1`, name,
	).Scan(&existing)
	if err != nil {
		return fmt.Errorf("failed to count existing segments: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("%w: %q", types.ErrAlreadyInitialized, name)
	}

	for id := 0; id < count; id++ {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO pooled_tokens (processor_name, segment, token) VALUES ($1, $2, $3)`,
			name, id, encoded,
		)
		if err != nil {
			return fmt.Errorf("failed to insert token for segment %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit segment initialization: %w", err)
	}

	return nil
}

func (s *Store) FetchSegments(ctx context.Context, name string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT segment FROM pooled_tokens WHERE processor_name = $1 ORDER BY segment`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch segments: %w", err)
	}
	defer rows.Close()

	var segments []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, id)
	}

	return segments, rows.Err()
}

func (s *Store) FetchToken(ctx context.Context, name string, segmentID int) (types.TrackingToken, error) {
	cutoff := time.Now().Add(-s.claimTimeout)

	var encoded []byte
	err := s.db.QueryRowContext(ctx, `
		UPDATE pooled_tokens
		SET owner = $1, claimed_at = NOW()
		WHERE processor_name = $2 AND segment = $3
		  AND (owner IS NULL OR owner = $1 OR claimed_at < $4)
		RETURNING token`,
		s.nodeID, name, segmentID, cutoff,
	).Scan(&encoded)
	if err == nil {
		token, err := s.codec.Unmarshal(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode token: %w", err)
		}

		return token, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim token: %w", err)
	}

	return nil, s.classifyClaimFailure(ctx, name, segmentID)
}

// classifyClaimFailure distinguishes an unknown segment from one claimed
// elsewhere.
func (s *Store) classifyClaimFailure(ctx context.Context, name string, segmentID int) error {
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT owner FROM pooled_tokens WHERE processor_name = $1 AND segment = $2`,
		name, segmentID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: segment %d of %q", types.ErrSegmentUnknown, segmentID, name)
	}
	if err != nil {
		return fmt.Errorf("failed to inspect segment: %w", err)
	}

	return fmt.Errorf("%w: segment %d of %q held by %q",
		types.ErrUnableToClaimToken, segmentID, name, owner.String)
}

func (s *Store) StoreToken(ctx context.Context, token types.TrackingToken, name string, segmentID int) error {
	encoded, err := s.codec.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pooled_tokens
		SET token = $1, claimed_at = NOW()
		WHERE processor_name = $2 AND segment = $3 AND owner = $4`,
		encoded, name, segmentID, s.nodeID,
	)
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	return s.requireOwnedRow(ctx, res, name, segmentID)
}

func (s *Store) ExtendClaim(ctx context.Context, name string, segmentID int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pooled_tokens
		SET claimed_at = NOW()
		WHERE processor_name = $1 AND segment = $2 AND owner = $3`,
		name, segmentID, s.nodeID,
	)
	if err != nil {
		return fmt.Errorf("failed to extend claim: %w", err)
	}

	return s.requireOwnedRow(ctx, res, name, segmentID)
}

func (s *Store) ReleaseClaim(ctx context.Context, name string, segmentID int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pooled_tokens
		SET owner = NULL, claimed_at = NULL
		WHERE processor_name = $1 AND segment = $2 AND owner = $3`,
		name, segmentID, s.nodeID,
	)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}

	return nil
}

// requireOwnedRow turns a zero-row update into the appropriate claim error.
func (s *Store) requireOwnedRow(ctx context.Context, res sql.Result, name string, segmentID int) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to inspect update result: %w", err)
	}
	if affected == 0 {
		return s.classifyClaimFailure(ctx, name, segmentID)
	}

	return nil
}

func (s *Store) RetrieveStorageIdentifier(ctx context.Context) (string, error) {
	var identifier string
	err := s.db.QueryRowContext(ctx, `SELECT identifier FROM pooled_token_identifier LIMIT 1`).Scan(&identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve storage identifier: %w", err)
	}

	return identifier, nil
}
