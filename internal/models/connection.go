package models

// Protocol 连接协议类型
type Protocol string

const (
	ProtocolEIP   Protocol = "EIP"
	ProtocolS7    Protocol = "S7"
	ProtocolOPCUA Protocol = "OPCUA"
)

// Connection 设备连接配置（来自配置库 connections 表）
type Connection struct {
	ID       string            // UUID
	Name     string
	Protocol Protocol          // 创建后不可变
	Endpoint string            // host[:port] 或 opc.tcp:// URL
	Enabled  bool
	Username string
	Password string
	Opts     map[string]string // 驱动特定选项（rack/slot、security_policy 等）
}

// DeadbandType 死区类型
type DeadbandType string

const (
	DeadbandAbsolute DeadbandType = "absolute"
	DeadbandPercent  DeadbandType = "percent"
)

// OnChangeConfig 变化上报配置（per-tag）
type OnChangeConfig struct {
	Enabled      bool
	Deadband     float64
	DeadbandType DeadbandType
	HeartbeatMS  int64 // 0 表示禁用心跳
}

// Tag 连接下的命名变量
type Tag struct {
	ID           int64
	ConnectionID string
	Path         string // (connection_id, tag_path) 唯一
	DataType     string // CIP/S7/OPC-UA 基础类型及数组
	PollGroupID  string
	OnChange     OnChangeConfig
	ArraySize    int
}

// PollGroup 命名采集速率组
type PollGroup struct {
	ID     string
	Name   string
	RateMS int64 // >= 1
}

// TagsByGroup 订阅调和的输入：按速率组分桶的标签集合
type TagsByGroup map[string][]Tag

// BrowsedTag 设备浏览返回的单个标签
type BrowsedTag struct {
	Name     string `json:"name"`
	Address  string `json:"address,omitempty"` // 协议级地址（OPC UA 为 NodeID）
	DataType string `json:"data_type"`
	Scope    string `json:"scope,omitempty"` // controller / program:<name> / module
	Writable bool   `json:"writable"`
	ArrayDim int    `json:"array_dim,omitempty"`
}

// BrowseResult 设备标签浏览结果
type BrowseResult struct {
	Tags     []BrowsedTag `json:"tags"`
	Programs []string     `json:"programs,omitempty"`
	Modules  []string     `json:"modules,omitempty"`
}
