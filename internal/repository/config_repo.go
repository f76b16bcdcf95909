package repository

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"df-connectivity/internal/models"
)

// ConfigRepository 配置库读模型（connections / tags / poll_groups / tag_metadata）
// 核心只读，写入归上游所有
type ConfigRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewConfigRepository 创建配置库读模型
func NewConfigRepository(db *sql.DB, logger *zap.Logger) *ConfigRepository {
	return &ConfigRepository{db: db, logger: logger}
}

// GetConnections 读取全部连接（含禁用的，调和时需要感知禁用迁移）
func (r *ConfigRepository) GetConnections() ([]models.Connection, error) {
	query := `
		SELECT
			c.connection_id::text,
			COALESCE(c.name, ''),
			COALESCE(tm.driver_type, c.protocol),
			c.endpoint,
			c.enabled,
			COALESCE(c.username, ''),
			COALESCE(c.password, ''),
			COALESCE(c.rack, -1),
			COALESCE(c.slot, -1),
			COALESCE(c.security_policy, ''),
			COALESCE(c.security_mode, ''),
			COALESCE(c.server_deadband_pct, 0)
		FROM connections c
		LEFT JOIN tag_metadata tm ON tm.connection_id = c.connection_id
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var conns []models.Connection
	for rows.Next() {
		var c models.Connection
		var protocol string
		var rack, slot int
		var secPolicy, secMode string
		var deadband float64
		if err := rows.Scan(&c.ID, &c.Name, &protocol, &c.Endpoint, &c.Enabled,
			&c.Username, &c.Password, &rack, &slot, &secPolicy, &secMode, &deadband); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		c.Protocol = models.Protocol(protocol)
		c.Opts = make(map[string]string)
		if rack >= 0 {
			c.Opts["rack"] = fmt.Sprintf("%d", rack)
		}
		if slot >= 0 {
			c.Opts["slot"] = fmt.Sprintf("%d", slot)
		}
		if secPolicy != "" {
			c.Opts["security_policy"] = secPolicy
		}
		if secMode != "" {
			c.Opts["security_mode"] = secMode
		}
		if deadband > 0 {
			c.Opts["server_deadband_pct"] = fmt.Sprintf("%g", deadband)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// GetTags 读取某连接的标签集合（含 on_change_* 配置）
func (r *ConfigRepository) GetTags(connectionID string) ([]models.Tag, error) {
	query := `
		SELECT
			t.tag_id,
			t.connection_id::text,
			t.tag_path,
			t.data_type,
			COALESCE(t.poll_group_id::text, ''),
			COALESCE(t.on_change_enabled, false),
			COALESCE(t.on_change_deadband, 0),
			COALESCE(t.on_change_deadband_type, 'absolute'),
			COALESCE(t.on_change_heartbeat_ms, 0),
			COALESCE(t.array_size, 0)
		FROM tags t
		WHERE t.connection_id = $1
		ORDER BY t.tag_id
	`
	rows, err := r.db.Query(query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags for %s: %w", connectionID, err)
	}
	defer rows.Close()

	var tags []models.Tag
	for rows.Next() {
		var t models.Tag
		var deadbandType string
		if err := rows.Scan(&t.ID, &t.ConnectionID, &t.Path, &t.DataType, &t.PollGroupID,
			&t.OnChange.Enabled, &t.OnChange.Deadband, &deadbandType,
			&t.OnChange.HeartbeatMS, &t.ArraySize); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		t.OnChange.DeadbandType = models.DeadbandType(deadbandType)
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// GetPollGroups 读取某连接的速率组
func (r *ConfigRepository) GetPollGroups(connectionID string) ([]models.PollGroup, error) {
	query := `
		SELECT
			pg.group_id::text,
			COALESCE(pg.name, ''),
			pg.rate_ms
		FROM poll_groups pg
		WHERE pg.connection_id = $1
		ORDER BY pg.rate_ms
	`
	rows, err := r.db.Query(query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query poll groups for %s: %w", connectionID, err)
	}
	defer rows.Close()

	var groups []models.PollGroup
	for rows.Next() {
		var g models.PollGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.RateMS); err != nil {
			return nil, fmt.Errorf("failed to scan poll group: %w", err)
		}
		if g.RateMS < 1 {
			g.RateMS = 1
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
