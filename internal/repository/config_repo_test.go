package repository

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"df-connectivity/internal/models"
)

func setupMockConfigDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *ConfigRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewConfigRepository(db, zap.NewNop())
	return db, mock, repo
}

func TestGetConnections_MapsDriverOptions(t *testing.T) {
	db, mock, repo := setupMockConfigDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"connection_id", "name", "driver_type", "endpoint", "enabled",
		"username", "password", "rack", "slot", "security_policy", "security_mode", "server_deadband_pct",
	}).AddRow(
		"7a1e8a18-4a3f-4f6c-9c1a-2d3e4f5a6b7c", "press-line-plc", "S7", "10.0.0.5:102", true,
		"", "", 0, 1, "", "", 0.0,
	).AddRow(
		"5b2f9c20-1111-2222-3333-444455556666", "scada-server", "OPCUA", "opc.tcp://10.0.0.9:4840", false,
		"operator", "secret", -1, -1, "Basic256Sha256", "SignAndEncrypt", 2.5,
	)

	mock.ExpectQuery(`SELECT`).WillReturnRows(rows)

	conns, err := repo.GetConnections()
	require.NoError(t, err)
	require.Len(t, conns, 2)

	s7conn := conns[0]
	assert.Equal(t, models.ProtocolS7, s7conn.Protocol)
	assert.True(t, s7conn.Enabled)
	assert.Equal(t, "0", s7conn.Opts["rack"])
	assert.Equal(t, "1", s7conn.Opts["slot"])
	assert.NotContains(t, s7conn.Opts, "security_policy")

	ua := conns[1]
	assert.Equal(t, models.ProtocolOPCUA, ua.Protocol)
	assert.False(t, ua.Enabled)
	assert.Equal(t, "operator", ua.Username)
	assert.Equal(t, "Basic256Sha256", ua.Opts["security_policy"])
	assert.Equal(t, "SignAndEncrypt", ua.Opts["security_mode"])
	assert.Equal(t, "2.5", ua.Opts["server_deadband_pct"])
	assert.NotContains(t, ua.Opts, "rack")
}

func TestGetConnections_QueryError(t *testing.T) {
	db, mock, repo := setupMockConfigDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).WillReturnError(errors.New("connection refused"))

	_, err := repo.GetConnections()
	assert.Error(t, err)
}

func TestGetTags_MapsOnChangeConfig(t *testing.T) {
	db, mock, repo := setupMockConfigDB(t)
	defer db.Close()

	connID := "7a1e8a18-4a3f-4f6c-9c1a-2d3e4f5a6b7c"
	rows := sqlmock.NewRows([]string{
		"tag_id", "connection_id", "tag_path", "data_type", "poll_group_id",
		"on_change_enabled", "on_change_deadband", "on_change_deadband_type", "on_change_heartbeat_ms", "array_size",
	}).AddRow(
		int64(12), connID, "DB2710.DBD8", "REAL", "g-fast",
		true, 0.5, "absolute", int64(60000), 0,
	).AddRow(
		int64(13), connID, "DB2710.DBW12", "INT", "g-slow",
		true, 5.0, "percent", int64(0), 0,
	)

	mock.ExpectQuery(`SELECT`).WithArgs(connID).WillReturnRows(rows)

	tags, err := repo.GetTags(connID)
	require.NoError(t, err)
	require.Len(t, tags, 2)

	assert.Equal(t, int64(12), tags[0].ID)
	assert.Equal(t, "DB2710.DBD8", tags[0].Path)
	assert.Equal(t, models.DeadbandAbsolute, tags[0].OnChange.DeadbandType)
	assert.Equal(t, 0.5, tags[0].OnChange.Deadband)
	assert.Equal(t, int64(60000), tags[0].OnChange.HeartbeatMS)

	assert.Equal(t, models.DeadbandPercent, tags[1].OnChange.DeadbandType)
	assert.Equal(t, int64(0), tags[1].OnChange.HeartbeatMS)
}

func TestGetPollGroups_ClampsRate(t *testing.T) {
	db, mock, repo := setupMockConfigDB(t)
	defer db.Close()

	connID := "7a1e8a18-4a3f-4f6c-9c1a-2d3e4f5a6b7c"
	rows := sqlmock.NewRows([]string{"group_id", "name", "rate_ms"}).
		AddRow("g-fast", "fast", int64(0)).
		AddRow("g-slow", "slow", int64(1000))

	mock.ExpectQuery(`SELECT`).WithArgs(connID).WillReturnRows(rows)

	groups, err := repo.GetPollGroups(connID)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	// 速率下限 1ms
	assert.Equal(t, int64(1), groups[0].RateMS)
	assert.Equal(t, int64(1000), groups[1].RateMS)
}
