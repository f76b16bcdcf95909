package models

import (
	"time"
)

// 质量码（OPC UA 风格 16 位编码）
// 等级位：0x8000 置位为 Bad，0x0040 置位为 Uncertain，两者皆空为 Good
const (
	QualityGood         uint16 = 0x0000
	QualityUncertain    uint16 = 0x0040
	QualityBad          uint16 = 0x8000
	QualityBadNotConn   uint16 = 0x8004 // 未连接
	QualityBadCommFail  uint16 = 0x8008 // 通信失败
	QualityBadTypeError uint16 = 0x8010 // 类型解析失败
)

// IsGoodQuality 判断质量码是否为 Good
func IsGoodQuality(q uint16) bool {
	return q&0x8000 == 0 && q&0x0040 == 0
}

// IsUncertainQuality 判断质量码是否为 Uncertain
func IsUncertainQuality(q uint16) bool {
	return q&0x8000 == 0 && q&0x0040 != 0
}

// IsBadQuality 判断质量码是否为 Bad
func IsBadQuality(q uint16) bool {
	return q&0x8000 != 0
}

// NormalizeLegacyQuality 将旧 5 位编码归一化为 16 位编码
// 旧系统中 192 和 0 都曾表示 Good；其余值视为 Bad
func NormalizeLegacyQuality(legacy int) uint16 {
	switch legacy {
	case 0, 192:
		return QualityGood
	case 64:
		return QualityUncertain
	default:
		return QualityBad
	}
}

// Sample 归一化后的遥测数据点
// Value 只允许 nil / float64 / bool / string
// Value 为 nil 且质量为 Good 仅在连接后首个采样前合法，其余情况必须携带 Bad
type Sample struct {
	ConnectionID string     `json:"connection_id"`
	TagID        int64      `json:"tag_id"`
	TS           time.Time  `json:"ts"`
	SrcTS        *time.Time `json:"src_ts,omitempty"`
	Value        interface{} `json:"v"`
	Quality      uint16     `json:"q"`
}

// NumericValue 尝试把 Value 解释为数值
func (s *Sample) NumericValue() (float64, bool) {
	return ToNumeric(s.Value)
}

// ToNumeric 数值类型归一化（JSON 解码后只会出现 float64，但驱动内部可能产生整型）
func ToNumeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
