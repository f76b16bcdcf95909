package ingest

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"df-connectivity/internal/repository"
	"df-connectivity/internal/schema"
)

func setupConsumer(t *testing.T, retryMax int) (sqlmock.Sqlmock, *Consumer) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	validator, err := schema.NewValidator()
	require.NoError(t, err)

	repo := repository.NewTagValuesRepository(db, zap.NewNop())
	return mock, NewConsumer(nil, validator, repo, retryMax, zap.NewNop())
}

const validPayload = `{"connection_id":"7a1e8a18-4a3f-4f6c-9c1a-2d3e4f5a6b7c","tag_id":12,"ts":"2026-01-05T08:00:00Z","v":21.5,"q":0}`

func TestHandleMessage_ValidMessageInserted(t *testing.T) {
	mock, c := setupConsumer(t, 3)

	mock.ExpectExec(`INSERT INTO tag_values`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	c.handleMessage([]byte(validPayload))

	consumed, inserted, invalid, dbFailed := c.Counters()
	assert.Equal(t, uint64(1), consumed)
	assert.Equal(t, uint64(1), inserted)
	assert.Equal(t, uint64(0), invalid)
	assert.Equal(t, uint64(0), dbFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleMessage_InvalidSchemaDropped(t *testing.T) {
	_, c := setupConsumer(t, 3)

	// 缺少 q 字段：丢弃且不触库
	c.handleMessage([]byte(`{"connection_id":"7a1e8a18-4a3f-4f6c-9c1a-2d3e4f5a6b7c","tag_id":12,"ts":"2026-01-05T08:00:00Z","v":1}`))

	consumed, inserted, invalid, _ := c.Counters()
	assert.Equal(t, uint64(1), consumed)
	assert.Equal(t, uint64(0), inserted)
	assert.Equal(t, uint64(1), invalid)
}

func TestHandleMessage_GarbageDropped(t *testing.T) {
	_, c := setupConsumer(t, 3)

	c.handleMessage([]byte("not json"))

	_, _, invalid, _ := c.Counters()
	assert.Equal(t, uint64(1), invalid)
}

func TestHandleMessage_RetrySucceedsOnSecondAttempt(t *testing.T) {
	mock, c := setupConsumer(t, 3)

	mock.ExpectExec(`INSERT INTO tag_values`).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectExec(`INSERT INTO tag_values`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	c.handleMessage([]byte(validPayload))

	_, inserted, _, dbFailed := c.Counters()
	assert.Equal(t, uint64(1), inserted)
	assert.Equal(t, uint64(0), dbFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleMessage_RetriesExhaustedDropsMessage(t *testing.T) {
	mock, c := setupConsumer(t, 2)

	mock.ExpectExec(`INSERT INTO tag_values`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectExec(`INSERT INTO tag_values`).
		WillReturnError(errors.New("connection reset"))

	c.handleMessage([]byte(validPayload))

	// 重试上限后丢弃：消费者不中断，只计数
	_, inserted, _, dbFailed := c.Counters()
	assert.Equal(t, uint64(0), inserted)
	assert.Equal(t, uint64(1), dbFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewConsumer_ClampsRetryMax(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	validator, err := schema.NewValidator()
	require.NoError(t, err)
	repo := repository.NewTagValuesRepository(db, zap.NewNop())

	c := NewConsumer(nil, validator, repo, 0, zap.NewNop())
	assert.Equal(t, 1, c.retryMax)
}
