package game

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists games and results in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a Postgres-backed store.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Migrate creates the tables this repository needs.
func (r *Repository) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS games (
			id UUID PRIMARY KEY,
			text TEXT NOT NULL,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS game_results (
			id UUID PRIMARY KEY,
			game_id UUID NOT NULL REFERENCES games(id),
			player_id TEXT NOT NULL,
			name TEXT NOT NULL,
			place INT NOT NULL,
			wpm INT NOT NULL,
			accuracy INT NOT NULL,
			characters_typed INT NOT NULL,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_game_results_game_id ON game_results(game_id)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// CreateGame inserts a new game row.
func (r *Repository) CreateGame(ctx context.Context, id uuid.UUID, text string, createdAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO games (id, text, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`,
		id, text, "waiting", createdAt)
	if err != nil {
		return fmt.Errorf("insert game: %w", err)
	}
	return nil
}

// UpdateGameStatus advances the persisted lifecycle phase.
func (r *Repository) UpdateGameStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE games SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("update game status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("game %s not found", id)
	}
	return nil
}

// SaveResult inserts one player's final line.
func (r *Repository) SaveResult(ctx context.Context, result Result) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO game_results
			(id, game_id, player_id, name, place, wpm, accuracy, characters_typed, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		uuid.New(), result.GameID, result.PlayerID, result.Name, result.Place,
		result.WPM, result.Accuracy, result.CharactersTyped, result.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// GetGame fetches one persisted game row.
func (r *Repository) GetGame(ctx context.Context, id uuid.UUID) (*StoredGame, error) {
	var g StoredGame
	err := r.pool.QueryRow(ctx,
		`SELECT id, text, status, created_at FROM games WHERE id = $1`, id).
		Scan(&g.ID, &g.Text, &g.Status, &g.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get game: %w", err)
	}
	return &g, nil
}

// Results fetches the final standings of a finished game in place
// order.
func (r *Repository) Results(ctx context.Context, gameID uuid.UUID) ([]Result, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT game_id, player_id, name, place, wpm, accuracy, characters_typed, completed_at
		FROM game_results WHERE game_id = $1 ORDER BY place`, gameID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var res Result
		if err := rows.Scan(&res.GameID, &res.PlayerID, &res.Name, &res.Place,
			&res.WPM, &res.Accuracy, &res.CharactersTyped, &res.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}
