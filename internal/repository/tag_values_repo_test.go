package repository

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"df-connectivity/internal/models"
)

func setupMockTagValuesDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *TagValuesRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewTagValuesRepository(db, zap.NewNop())
	return db, mock, repo
}

func tagValueSample(v interface{}, q uint16) *models.Sample {
	ts := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	return &models.Sample{
		ConnectionID: "7a1e8a18-4a3f-4f6c-9c1a-2d3e4f5a6b7c",
		TagID:        12,
		TS:           ts,
		Value:        v,
		Quality:      q,
	}
}

func TestUpsert_NumericValue(t *testing.T) {
	db, mock, repo := setupMockTagValuesDB(t)
	defer db.Close()

	s := tagValueSample(21.5, models.QualityGood)
	mock.ExpectExec(`INSERT INTO tag_values`).
		WithArgs(s.TS, s.ConnectionID, s.TagID,
			sql.NullFloat64{Float64: 21.5, Valid: true},
			sql.NullString{},
			0,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(s))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_StringValue(t *testing.T) {
	db, mock, repo := setupMockTagValuesDB(t)
	defer db.Close()

	s := tagValueSample("running", models.QualityGood)
	mock.ExpectExec(`INSERT INTO tag_values`).
		WithArgs(s.TS, s.ConnectionID, s.TagID,
			sql.NullFloat64{},
			sql.NullString{String: "running", Valid: true},
			0,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(s))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_BoolMapsToNumeric(t *testing.T) {
	db, mock, repo := setupMockTagValuesDB(t)
	defer db.Close()

	s := tagValueSample(true, models.QualityGood)
	mock.ExpectExec(`INSERT INTO tag_values`).
		WithArgs(s.TS, s.ConnectionID, s.TagID,
			sql.NullFloat64{Float64: 1, Valid: true},
			sql.NullString{},
			0,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(s))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_NullValueWithBadQuality(t *testing.T) {
	db, mock, repo := setupMockTagValuesDB(t)
	defer db.Close()

	s := tagValueSample(nil, models.QualityBadCommFail)
	mock.ExpectExec(`INSERT INTO tag_values`).
		WithArgs(s.TS, s.ConnectionID, s.TagID,
			sql.NullFloat64{},
			sql.NullString{},
			int(models.QualityBadCommFail),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(s))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_DatabaseError(t *testing.T) {
	db, mock, repo := setupMockTagValuesDB(t)
	defer db.Close()

	s := tagValueSample(1.0, models.QualityGood)
	mock.ExpectExec(`INSERT INTO tag_values`).
		WillReturnError(errors.New("connection reset"))

	err := repo.Upsert(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upsert tag value")
}

func TestUpsert_UnsupportedValueType(t *testing.T) {
	db, _, repo := setupMockTagValuesDB(t)
	defer db.Close()

	s := tagValueSample(map[string]int{"a": 1}, models.QualityGood)
	assert.Error(t, repo.Upsert(s))
}
