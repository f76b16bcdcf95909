package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// TelemetryRawV1 遥测消息的校验 schema id
const TelemetryRawV1 = "telemetry.raw@v1"

// telemetryRawV1Schema 总线遥测消息结构（字段名精确固定）
const telemetryRawV1Schema = `{
	"$id": "telemetry.raw@v1",
	"type": "object",
	"required": ["connection_id", "tag_id", "ts", "v", "q"],
	"additionalProperties": false,
	"properties": {
		"connection_id": {
			"type": "string",
			"pattern": "^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"
		},
		"tag_id": { "type": "integer" },
		"ts": { "type": "string", "format": "date-time" },
		"v": { "type": ["number", "string", "boolean", "null"] },
		"q": { "type": "integer", "minimum": 0, "maximum": 65535 },
		"src_ts": { "type": "string", "format": "date-time" }
	}
}`

// Validator 遥测消息校验器
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator 编译 telemetry.raw@v1 schema
func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(telemetryRawV1Schema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", TelemetryRawV1, err)
	}
	return &Validator{schema: schema}, nil
}

// Validate 校验一条总线消息；非法消息返回聚合的错误描述
func (v *Validator) Validate(payload []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("schema %s: %w", TelemetryRawV1, err)
	}
	if result.Valid() {
		return nil
	}
	var reasons []string
	for _, e := range result.Errors() {
		reasons = append(reasons, e.String())
	}
	return fmt.Errorf("schema %s violation: %s", TelemetryRawV1, strings.Join(reasons, "; "))
}
