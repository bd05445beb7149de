package ws

import (
	"github.com/segmentio/encoding/json"
	"papertrader.com/internal/quotes/feed"
)

func encodeEvent(ev feed.Event) ([]byte, error) {
	return json.Marshal(ev)
}

func encodeAck(m AckMsg) []byte {
	b, _ := json.Marshal(m)
	return b
}

func encodeFill(m FillMsg) ([]byte, error) {
	return json.Marshal(m)
}

func decodeClient(b []byte) (ClientMsg, error) {
	var msg ClientMsg
	err := json.Unmarshal(b, &msg)
	return msg, err
}
