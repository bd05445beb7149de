package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"papertrader.com/internal/quotes/feed"
	"papertrader.com/internal/quotes/gateway"
	"papertrader.com/internal/quotes/session"
	"papertrader.com/internal/quotes/source"
	"papertrader.com/pkg/common"
)

type frame struct {
	Type   string          `json:"type"`
	Topic  string          `json:"topic"`
	Topics []string        `json:"topics"`
	Seq    uint64          `json:"seq"`
	Quote  *source.Quote   `json:"quote"`
	Quotes []source.Quote  `json:"quotes"`
	Error  string          `json:"error"`
	Trade  json.RawMessage `json:"trade"`
}

func startServer(t *testing.T) (*feed.Multiplexer, string) {
	t.Helper()
	src := source.NewStatic("INR", ".NS", map[string]float64{
		"TCS.NS":      3500.5,
		"RELIANCE.NS": 2900,
		"INFY.NS":     1500,
	})
	mux := feed.New(src, feed.Config{PollInterval: 50 * time.Millisecond, FetchTimeout: time.Second})
	require.NoError(t, mux.RegisterAggregate("@home", []string{"RELIANCE.NS", "INFY.NS"}))

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(ctx, mux)
	srv.PingJitter = 0
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		hs.Close()
		cancel()
		srv.Wait()
		mux.Close()
	})
	return mux, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return c
}

func readUntil(t *testing.T, c *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(deadline)
		_, b, err := c.ReadMessage()
		require.NoError(t, err)
		var f frame
		require.NoError(t, json.Unmarshal(b, &f))
		if match(f) {
			return f
		}
	}
	t.Fatal("expected frame not received")
	return frame{}
}

func TestWS_SubscribeReceivesQuotes(t *testing.T) {
	mux, url := startServer(t)
	c := dial(t, url)
	defer c.Close()

	require.NoError(t, c.WriteJSON(ClientMsg{Type: "sub", Topics: []string{"tcs.ns", "@home"}}))

	ack := readUntil(t, c, func(f frame) bool { return f.Type == "subscribed" })
	assert.ElementsMatch(t, []string{"TCS.NS", "@home"}, ack.Topics)

	q := readUntil(t, c, func(f frame) bool { return f.Type == string(feed.KindQuote) && f.Topic == "TCS.NS" })
	require.NotNil(t, q.Quote)
	assert.Equal(t, "3500.5", q.Quote.Price.String())

	batch := readUntil(t, c, func(f frame) bool { return f.Type == string(feed.KindBatch) })
	assert.Equal(t, "@home", batch.Topic)

	assert.Len(t, mux.Stats().Feeds, 2)
}

func TestWS_BadTopicGetsError(t *testing.T) {
	_, url := startServer(t)
	c := dial(t, url)
	defer c.Close()

	require.NoError(t, c.WriteJSON(ClientMsg{Type: "sub", Topics: []string{"@nope"}}))
	f := readUntil(t, c, func(f frame) bool { return f.Type == "error" })
	assert.Equal(t, "@nope", f.Topic)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{")))
	f = readUntil(t, c, func(f frame) bool { return f.Type == "error" })
	assert.Equal(t, "bad message", f.Error)
}

func TestWS_DisconnectReleasesFeeds(t *testing.T) {
	mux, url := startServer(t)
	a := dial(t, url)
	b := dial(t, url)
	defer b.Close()

	for _, c := range []*websocket.Conn{a, b} {
		require.NoError(t, c.WriteJSON(ClientMsg{Type: "sub", Topics: []string{"TCS.NS"}}))
		readUntil(t, c, func(f frame) bool { return f.Type == "subscribed" })
	}
	require.Eventually(t, func() bool {
		st := mux.Stats()
		return len(st.Feeds) == 1 && st.Feeds[0].Subscribers == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		st := mux.Stats()
		return len(st.Feeds) == 1 && st.Feeds[0].Subscribers == 1
	}, 2*time.Second, 10*time.Millisecond, "一个连接断开，feed 仍在")

	require.NoError(t, b.WriteJSON(ClientMsg{Type: "unsub", Topics: []string{"TCS.NS"}}))
	readUntil(t, b, func(f frame) bool { return f.Type == "unsubscribed" })
	require.Eventually(t, func() bool {
		st := mux.Stats()
		return len(st.Feeds) == 0 && st.Tasks == 0
	}, 2*time.Second, 10*time.Millisecond, "最后一个订阅者退订后轮询停止")
}

func TestConn_LatestOnlyPerTopic(t *testing.T) {
	c := NewConn("c1", nil)
	c.Offer("TCS.NS", []byte("1"))
	c.Offer("TCS.NS", []byte("2"))
	c.Offer("INFY.NS", []byte("x"))
	c.sendControl([]byte("ack"))

	out := c.flush(10)
	require.Len(t, out, 3)
	assert.Equal(t, "ack", string(out[0]), "控制消息优先")
	got := []string{string(out[1]), string(out[2])}
	assert.ElementsMatch(t, []string{"2", "x"}, got)
	assert.Nil(t, c.flush(10))
}

func TestServer_NoQuoteAfterUnsubAck(t *testing.T) {
	src := source.NewStatic("INR", ".NS", map[string]float64{"TCS.NS": 3500})
	mux := feed.New(src, feed.Config{
		PollInterval: time.Hour,
		FetchTimeout: time.Second,
		Normalize:    func(s string) (string, error) { return source.ResolveSymbol(s, ".NS") },
	})
	t.Cleanup(mux.Close)

	srv := NewServer(context.Background(), mux)
	c := NewConn("c1", nil)
	sess := session.New(c.ID(), mux, c)
	ctx := context.Background()

	srv.handle(ctx, c, sess, ClientMsg{Type: "sub", Topics: []string{"TCS"}})
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.latest["TCS.NS"]
		return ok
	}, 2*time.Second, 5*time.Millisecond, "首包已进出口队列")

	srv.handle(ctx, c, sess, ClientMsg{Type: "unsub", Topics: []string{"TCS"}})

	var types []string
	for _, b := range c.flush(maxFlush) {
		var f frame
		require.NoError(t, json.Unmarshal(b, &f))
		types = append(types, f.Type)
	}
	assert.Equal(t, []string{"subscribed", "unsubscribed"}, types, "退订回执之后不能再有该 topic 的行情")
	assert.Zero(t, sess.Len())
}

func TestWS_FillsRoutedToOwner(t *testing.T) {
	src := source.NewStatic("INR", ".NS", map[string]float64{"TCS.NS": 3500})
	mux := feed.New(src, feed.Config{PollInterval: time.Hour, FetchTimeout: time.Second})
	b := gateway.NewMemBroker()

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(ctx, mux)
	srv.PingJitter = 0
	require.NoError(t, srv.RelayFills(ctx, b))
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		hs.Close()
		cancel()
		srv.Wait()
		mux.Close()
		_ = b.Close()
	})
	url := "ws" + strings.TrimPrefix(hs.URL, "http")

	dialAs := func(user string) *websocket.Conn {
		c, _, err := websocket.DefaultDialer.Dial(url, http.Header{common.HeaderUserID: {user}})
		require.NoError(t, err)
		// 收到回执说明服务端已登记这个连接
		require.NoError(t, c.WriteJSON(ClientMsg{Type: "sub", Topics: []string{"TCS.NS"}}))
		readUntil(t, c, func(f frame) bool { return f.Type == "subscribed" })
		return c
	}
	alice, bob := dialAs("alice"), dialAs("bob")
	defer alice.Close()
	defer bob.Close()

	publish := func(user string, qty int) {
		payload := fmt.Sprintf(`{"userId":%q,"symbol":"TCS.NS","side":"buy","quantity":%d}`, user, qty)
		require.NoError(t, b.Publish(context.Background(), gateway.TradeTopicPrefix+"TCS.NS", []byte(payload)))
	}
	publish("alice", 1)
	publish("bob", 2)

	type fill struct {
		UserID   string `json:"userId"`
		Quantity int    `json:"quantity"`
	}
	for _, tc := range []struct {
		conn *websocket.Conn
		user string
		qty  int
	}{{alice, "alice", 1}, {bob, "bob", 2}} {
		f := readUntil(t, tc.conn, func(f frame) bool { return f.Type == "fill" })
		assert.Equal(t, "trade:TCS.NS", f.Topic)
		var got fill
		require.NoError(t, json.Unmarshal(f.Trade, &got))
		assert.Equal(t, tc.user, got.UserID, "只推给下单用户")
		assert.Equal(t, tc.qty, got.Quantity)
	}
}
