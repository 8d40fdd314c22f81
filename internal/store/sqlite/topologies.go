package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/strandproxy/strand/internal/topology"
)

// executor abstracts *sql.DB and *sql.Tx for shared query logic.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TopologyRepository persists topology documents as JSON keyed by name.
type TopologyRepository struct {
	exec executor
}

// Upsert inserts or replaces the stored document for t.Name.
func (r *TopologyRepository) Upsert(ctx context.Context, t topology.Topology) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode topology %s: %w", t.Name, err)
	}

	if _, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO topologies (name, document) VALUES (?, ?)
         ON CONFLICT(name) DO UPDATE SET document = excluded.document, updated_at = CURRENT_TIMESTAMP;`,
		t.Name,
		string(doc),
	); err != nil {
		return fmt.Errorf("upsert topology %s: %w", t.Name, err)
	}
	return nil
}

// GetByName returns the stored topology, or topology.ErrNotFound.
func (r *TopologyRepository) GetByName(ctx context.Context, name string) (topology.Topology, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT document FROM topologies WHERE name = ?;`, name)

	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return topology.Topology{}, topology.ErrNotFound
		}
		return topology.Topology{}, fmt.Errorf("select topology %s: %w", name, err)
	}
	return decodeTopology(doc)
}

// List returns all stored topologies in name order.
func (r *TopologyRepository) List(ctx context.Context) ([]topology.Topology, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT document FROM topologies ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query topologies: %w", err)
	}
	defer rows.Close()

	var result []topology.Topology
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan topology: %w", err)
		}
		t, err := decodeTopology(doc)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topologies: %w", err)
	}
	return result, nil
}

// Delete removes the stored document. Missing rows report topology.ErrNotFound.
func (r *TopologyRepository) Delete(ctx context.Context, name string) error {
	res, err := r.exec.ExecContext(ctx, `DELETE FROM topologies WHERE name = ?;`, name)
	if err != nil {
		return fmt.Errorf("delete topology %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete topology %s: %w", name, err)
	}
	if affected == 0 {
		return topology.ErrNotFound
	}
	return nil
}

func decodeTopology(doc string) (topology.Topology, error) {
	var t topology.Topology
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return topology.Topology{}, fmt.Errorf("decode topology document: %w", err)
	}
	return t, nil
}
