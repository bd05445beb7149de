package ws

import "github.com/segmentio/encoding/json"

type ClientMsg struct {
	Type   string   `json:"type"`   // "sub" | "unsub"
	Topics []string `json:"topics"` // 股票代码或 @组合名
}

// 控制消息回执；行情本身直接用 feed.Event 编码
type AckMsg struct {
	Type   string   `json:"type"` // "subscribed" | "unsubscribed" | "error"
	Topics []string `json:"topics,omitempty"`
	Topic  string   `json:"topic,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// FillMsg 成交回报，只推给下单用户自己的连接
type FillMsg struct {
	Type  string          `json:"type"` // "fill"
	Topic string          `json:"topic"`
	Trade json.RawMessage `json:"trade"`
}
