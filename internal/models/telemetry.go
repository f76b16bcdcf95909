package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TelemetrySubjectPrefix 遥测主题前缀，完整主题为 df.telemetry.raw.{connection_id}
const TelemetrySubjectPrefix = "df.telemetry.raw"

// TelemetrySubject 构建单个连接的遥测主题
func TelemetrySubject(connectionID string) string {
	return fmt.Sprintf("%s.%s", TelemetrySubjectPrefix, connectionID)
}

// TelemetryMessage 总线上的遥测消息（telemetry.raw@v1，字段名精确固定）
type TelemetryMessage struct {
	ConnectionID string      `json:"connection_id"`
	TagID        int64       `json:"tag_id"`
	TS           string      `json:"ts"` // ISO-8601 UTC
	Value        interface{} `json:"v"`
	Quality      uint16      `json:"q"`
	SrcTS        string      `json:"src_ts,omitempty"`
}

// NewTelemetryMessage 由 Sample 构建总线消息
func NewTelemetryMessage(s *Sample) *TelemetryMessage {
	msg := &TelemetryMessage{
		ConnectionID: s.ConnectionID,
		TagID:        s.TagID,
		TS:           s.TS.UTC().Format(time.RFC3339Nano),
		Value:        s.Value,
		Quality:      s.Quality,
	}
	if s.SrcTS != nil {
		msg.SrcTS = s.SrcTS.UTC().Format(time.RFC3339Nano)
	}
	return msg
}

// ToSample 将总线消息还原为 Sample
func (m *TelemetryMessage) ToSample() (*Sample, error) {
	ts, err := time.Parse(time.RFC3339Nano, m.TS)
	if err != nil {
		return nil, fmt.Errorf("invalid ts %q: %w", m.TS, err)
	}
	s := &Sample{
		ConnectionID: m.ConnectionID,
		TagID:        m.TagID,
		TS:           ts,
		Value:        m.Value,
		Quality:      m.Quality,
	}
	if m.SrcTS != "" {
		srcTS, err := time.Parse(time.RFC3339Nano, m.SrcTS)
		if err != nil {
			return nil, fmt.Errorf("invalid src_ts %q: %w", m.SrcTS, err)
		}
		s.SrcTS = &srcTS
	}
	return s, nil
}

// Marshal 序列化为 JSON
func (m *TelemetryMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
