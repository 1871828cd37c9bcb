package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senser-io/senser/store"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func TestSensors_GetByID(t *testing.T) {
	joined := time.Date(2023, 2, 12, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mock    func(mock sqlmock.Sqlmock)
		want    *store.SensorRecord
		wantErr error
	}{
		{
			name: "found",
			mock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(querySensorByID)).WithArgs(int64(1)).
					WillReturnRows(sqlmock.NewRows([]string{"id", "name", "joined_at"}).AddRow(1, "Sensor Temperatura 1", joined))
			},
			want: &store.SensorRecord{ID: 1, Name: "Sensor Temperatura 1", JoinedAt: joined},
		},
		{
			name: "missing maps to ErrNotFound",
			mock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(querySensorByID)).WithArgs(int64(1)).
					WillReturnRows(sqlmock.NewRows([]string{"id", "name", "joined_at"}))
			},
			wantErr: store.ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			tt.mock(mock)

			got, err := NewSensors(db).GetByID(context.Background(), 1)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSensors_GetByNameFailure(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(querySensorByName)).WithArgs("s").
		WillReturnError(errors.New("connection reset"))

	_, err := NewSensors(db).GetByName(context.Background(), "s")
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotFound)
}

func TestSensors_List(t *testing.T) {
	db, mock := newMock(t)
	joined := time.Date(2023, 2, 12, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(queryListSensors)).WithArgs(0, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "joined_at"}).
			AddRow(1, "a", joined).
			AddRow(2, "b", joined))

	list, err := NewSensors(db).List(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[1].Name)
}

func TestSensors_Insert(t *testing.T) {
	joined := time.Date(2023, 2, 12, 10, 0, 0, 0, time.UTC)

	t.Run("returns the generated id", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta(queryInsertSensor)).WithArgs("a").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "joined_at"}).AddRow(7, "a", joined))

		rec, err := NewSensors(db).Insert(context.Background(), "a")
		require.NoError(t, err)
		assert.EqualValues(t, 7, rec.ID)
	})

	t.Run("unique violation maps to ErrConflict", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta(queryInsertSensor)).WithArgs("a").
			WillReturnError(&pq.Error{Code: uniqueViolation})

		_, err := NewSensors(db).Insert(context.Background(), "a")
		require.ErrorIs(t, err, store.ErrConflict)
	})
}

func TestSensors_Delete(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(queryDeleteSensor)).WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(queryDeleteSensor)).WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewSensors(db)
	require.NoError(t, s.Delete(context.Background(), 3))
	require.ErrorIs(t, s.Delete(context.Background(), 4), store.ErrNotFound)
}

func TestReadings_Append(t *testing.T) {
	db, mock := newMock(t)
	seen := time.Date(2020, 1, 1, 1, 0, 0, 0, time.UTC)
	temperature := 21.5

	mock.ExpectQuery(regexp.QuoteMeta(queryInsertReading)).
		WithArgs(int64(1), "Temperatura", sqlmock.AnyArg(), seen).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	row := &store.ReadingRow{
		SensorID:   1,
		SensorType: "Temperatura",
		Reading:    store.Reading{Temperature: &temperature, BatteryLevel: 0.9, LastSeen: seen},
	}
	require.NoError(t, NewReadings(db).Append(context.Background(), row))
	assert.Equal(t, "42", row.ID)
}

func TestReadings_Readings(t *testing.T) {
	db, mock := newMock(t)
	seen := time.Date(2020, 1, 1, 1, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(queryReadings)).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sensor_id", "sensor_type", "data", "last_seen"}).
			AddRow(int64(1), int64(1), "Velocitat", []byte(`{"velocity":45,"battery_level":0.15}`), seen).
			AddRow(int64(2), int64(1), "Velocitat", nil, seen))

	rows, err := NewReadings(db).Readings(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "1", rows[0].ID)
	require.NotNil(t, rows[0].Reading.Velocity)
	assert.Equal(t, 45.0, *rows[0].Reading.Velocity)
	assert.Nil(t, rows[0].Reading.Temperature)
	assert.Equal(t, 0.15, rows[0].Reading.BatteryLevel)
	assert.Equal(t, seen, rows[0].Reading.LastSeen)
}

func TestReadings_MalformedData(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(queryReadings)).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sensor_id", "sensor_type", "data", "last_seen"}).
			AddRow(int64(1), int64(1), "x", []byte(`{`), time.Now()))

	_, err := NewReadings(db).Readings(context.Background(), 1)
	require.Error(t, err)
}

func TestMigrations_AreEmbedded(t *testing.T) {
	for _, schema := range []Schema{SchemaSensors, SchemaTimeSeries} {
		entries, err := migrations.ReadDir("migrations/" + string(schema))
		require.NoError(t, err)
		assert.NotEmpty(t, entries, schema)
	}
}
