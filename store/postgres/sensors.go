package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/senser-io/senser/store"
)

const (
	querySensorByID   = `SELECT id, name, joined_at FROM sensors WHERE id = $1`
	querySensorByName = `SELECT id, name, joined_at FROM sensors WHERE name = $1`
	queryListSensors  = `SELECT id, name, joined_at FROM sensors ORDER BY id OFFSET $1 LIMIT $2`
	queryInsertSensor = `INSERT INTO sensors (name) VALUES ($1) RETURNING id, name, joined_at`
	queryDeleteSensor = `DELETE FROM sensors WHERE id = $1`

	uniqueViolation = "23505"
)

// Sensors is the relational store.
type Sensors struct {
	db *sql.DB
}

var _ store.Relational = (*Sensors)(nil)

// NewSensors returns the relational store using db.
func NewSensors(db *sql.DB) *Sensors {
	return &Sensors{db: db}
}

func scanSensor(row *sql.Row) (*store.SensorRecord, error) {
	rec := &store.SensorRecord{}
	err := row.Scan(&rec.ID, &rec.Name, &rec.JoinedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read sensor")
	}
	rec.JoinedAt = rec.JoinedAt.UTC()
	return rec, nil
}

// GetByID implements store.Relational.
func (s *Sensors) GetByID(ctx context.Context, id int64) (*store.SensorRecord, error) {
	return scanSensor(s.db.QueryRowContext(ctx, querySensorByID, id))
}

// GetByName implements store.Relational.
func (s *Sensors) GetByName(ctx context.Context, name string) (*store.SensorRecord, error) {
	return scanSensor(s.db.QueryRowContext(ctx, querySensorByName, name))
}

// List implements store.Relational.
func (s *Sensors) List(ctx context.Context, skip, limit int) ([]store.SensorRecord, error) {
	rows, err := s.db.QueryContext(ctx, queryListSensors, skip, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sensors")
	}
	defer rows.Close()

	list := []store.SensorRecord{}
	for rows.Next() {
		var rec store.SensorRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.JoinedAt); err != nil {
			return nil, errors.Wrap(err, "failed to read sensor")
		}
		rec.JoinedAt = rec.JoinedAt.UTC()
		list = append(list, rec)
	}
	return list, errors.Wrap(rows.Err(), "failed to list sensors")
}

// Insert implements store.Relational.
func (s *Sensors) Insert(ctx context.Context, name string) (*store.SensorRecord, error) {
	rec, err := scanSensor(s.db.QueryRowContext(ctx, queryInsertSensor, name))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return rec, nil
}

// Delete implements store.Relational.
func (s *Sensors) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, queryDeleteSensor, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete sensor")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to delete sensor")
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
