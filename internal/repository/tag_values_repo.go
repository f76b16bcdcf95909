package repository

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"df-connectivity/internal/models"
)

// TagValuesRepository 时序库 tag_values 表写入
// 主键 (connection_id, tag_id, ts)，重复写入整行替换
type TagValuesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTagValuesRepository 创建时序库写入仓库
func NewTagValuesRepository(db *sql.DB, logger *zap.Logger) *TagValuesRepository {
	return &TagValuesRepository{db: db, logger: logger}
}

// Upsert 写入一个数据点
// v 为数值时写 v_num，字符串写 v_text，布尔映射为 1/0 写 v_num，null 两列皆空
func (r *TagValuesRepository) Upsert(s *models.Sample) error {
	var vNum sql.NullFloat64
	var vText sql.NullString

	switch val := s.Value.(type) {
	case nil:
		// both columns NULL
	case bool:
		vNum.Valid = true
		if val {
			vNum.Float64 = 1
		}
	case string:
		vText = sql.NullString{String: val, Valid: true}
	default:
		if n, ok := models.ToNumeric(s.Value); ok {
			vNum = sql.NullFloat64{Float64: n, Valid: true}
		} else {
			return fmt.Errorf("unsupported value type %T for tag %d", s.Value, s.TagID)
		}
	}

	query := `
		INSERT INTO tag_values (ts, connection_id, tag_id, v_num, v_text, quality)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (connection_id, tag_id, ts)
		DO UPDATE SET v_num = EXCLUDED.v_num, v_text = EXCLUDED.v_text, quality = EXCLUDED.quality
	`
	if _, err := r.db.Exec(query, s.TS.UTC(), s.ConnectionID, s.TagID, vNum, vText, int(s.Quality)); err != nil {
		return fmt.Errorf("failed to upsert tag value (conn=%s tag=%d): %w", s.ConnectionID, s.TagID, err)
	}
	return nil
}

// PoolStats 暴露底层连接池统计，用于周期性指标日志
func (r *TagValuesRepository) PoolStats() sql.DBStats {
	return r.db.Stats()
}
