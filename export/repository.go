package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrConsumerNotFound signals that the consumer does not exist.
	ErrConsumerNotFound = errors.New("export: consumer not found")
	// ErrDuplicateConsumer signals that the name is already registered.
	ErrDuplicateConsumer = errors.New("export: consumer already exists")
)

// Repository handles data access for feed consumers.
type Repository interface {
	CreateConsumer(ctx context.Context, params CreateConsumerParams) (Consumer, error)
	GetConsumerByName(ctx context.Context, name string) (Consumer, error)
	GetConsumerByID(ctx context.Context, id string) (Consumer, error)
}

// CreateConsumerParams contains write parameters for registering consumers.
type CreateConsumerParams struct {
	Name    string
	KeyHash string
	Scope   Scope
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed consumer repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateConsumer inserts a new consumer with a hashed API key.
func (r *PGRepository) CreateConsumer(ctx context.Context, params CreateConsumerParams) (Consumer, error) {
	const insertSQL = `
		INSERT INTO export_consumers (name, key_hash, scope)
		VALUES ($1, $2, $3)
		RETURNING id, name, key_hash, scope, created_at, updated_at
	`

	consumer, err := scanConsumer(r.pool.QueryRow(ctx, insertSQL, params.Name, params.KeyHash, params.Scope))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Consumer{}, ErrDuplicateConsumer
		}
		return Consumer{}, fmt.Errorf("export: create consumer: %w", err)
	}
	return consumer, nil
}

// GetConsumerByName retrieves a consumer by its registered name.
func (r *PGRepository) GetConsumerByName(ctx context.Context, name string) (Consumer, error) {
	const selectSQL = `
		SELECT id, name, key_hash, scope, created_at, updated_at
		FROM export_consumers
		WHERE name = $1
	`

	consumer, err := scanConsumer(r.pool.QueryRow(ctx, selectSQL, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Consumer{}, ErrConsumerNotFound
		}
		return Consumer{}, fmt.Errorf("export: get consumer by name: %w", err)
	}
	return consumer, nil
}

// GetConsumerByID retrieves a consumer by id.
func (r *PGRepository) GetConsumerByID(ctx context.Context, id string) (Consumer, error) {
	const selectSQL = `
		SELECT id, name, key_hash, scope, created_at, updated_at
		FROM export_consumers
		WHERE id = $1
	`

	consumer, err := scanConsumer(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Consumer{}, ErrConsumerNotFound
		}
		return Consumer{}, fmt.Errorf("export: get consumer by id: %w", err)
	}
	return consumer, nil
}

func scanConsumer(row pgx.Row) (Consumer, error) {
	var c Consumer
	err := row.Scan(&c.ID, &c.Name, &c.KeyHash, &c.Scope, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Consumer{}, err
	}
	return c, nil
}
