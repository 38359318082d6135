package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	// it is ok to use math/rand here: we do not need a cryptographically secure random
	// number generator here and we can run the tests a bit faster
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	jsonrpc "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"dbft_node/types"
)

const (
	sendTimeout = 10 * time.Second
	// see https://github.com/tendermint/tendermint/blob/master/rpc/lib/server/handlers.go
	pingPeriod = (30 * 9 / 10) * time.Second
)

// transacter 向一个节点打开多个websocket连接，每个连接每秒发送Rate笔交易
type transacter struct {
	Target            string
	Rate              int
	Connections       int
	BroadcastTxMethod string
	Accounts          int

	conns      []*websocket.Conn
	startingWg sync.WaitGroup
	endingWg   sync.WaitGroup
	quit       chan struct{}

	sent     metrics.Meter   // 写入连接的交易
	rejected metrics.Counter // 节点返回错误的交易

	logger log.Logger
}

func newTransacter(target string, connections, rate int, accounts int, broadcastTxMethod string) *transacter {
	return &transacter{
		Target:            target,
		Rate:              rate,
		Accounts:          accounts,
		Connections:       connections,
		BroadcastTxMethod: broadcastTxMethod,
		conns:             make([]*websocket.Conn, connections),
		quit:              make(chan struct{}),
		sent:              metrics.NewMeter(),
		rejected:          metrics.NewCounter(),
		logger:            log.NewNopLogger(),
	}
}

// SetLogger lets you set your own logger
func (t *transacter) SetLogger(l log.Logger) {
	t.logger = l
}

// Start 所有连接都建立并开始发送后返回
func (t *transacter) Start() error {
	rand.Seed(time.Now().UnixNano())

	for i := 0; i < t.Connections; i++ {
		c, _, err := connect(t.Target)
		if err != nil {
			for _, opened := range t.conns[:i] {
				opened.Close()
			}
			return err
		}
		t.conns[i] = c
	}

	t.startingWg.Add(t.Connections)
	t.endingWg.Add(2 * t.Connections)
	for i := 0; i < t.Connections; i++ {
		go t.sendLoop(i)
		go t.receiveLoop(i)
	}
	t.startingWg.Wait()
	return nil
}

// Stop closes the connections.
func (t *transacter) Stop() {
	close(t.quit)
	t.endingWg.Wait()
	for _, c := range t.conns {
		c.Close()
	}
}

func (t *transacter) stopped() bool {
	select {
	case <-t.quit:
		return true
	default:
		return false
	}
}

// receiveLoop 统计节点拒绝的交易，连接关闭后退出
func (t *transacter) receiveLoop(connIndex int) {
	defer t.endingWg.Done()
	c := t.conns[connIndex]

	for {
		var resp jsonrpc.RPCResponse
		if err := c.ReadJSON(&resp); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !t.stopped() {
				t.logger.Error("failed to read response", "conn", connIndex, "err", err)
			}
			return
		}
		if resp.Error != nil {
			t.rejected.Inc(1)
			t.logger.Debug("tx rejected", "conn", connIndex, "err", resp.Error)
		}
	}
}

// sendLoop generates transactions at a given rate.
func (t *transacter) sendLoop(connIndex int) {
	started := false
	// Close the starting waitgroup, in the event that this fails to start
	defer func() {
		if !started {
			t.startingWg.Done()
		}
	}()
	c := t.conns[connIndex]

	c.SetPingHandler(func(message string) error {
		err := c.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(sendTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		} else if e, ok := err.(net.Error); ok && e.Temporary() {
			return nil
		}
		return err
	})

	logger := t.logger.With("addr", c.RemoteAddr())

	pingsTicker := time.NewTicker(pingPeriod)
	txsTicker := time.NewTicker(1 * time.Second)
	defer func() {
		pingsTicker.Stop()
		txsTicker.Stop()
		t.endingWg.Done()
	}()

	for {
		select {
		case <-txsTicker.C:
			if !started {
				t.startingWg.Done()
				started = true
			}

			startTime := time.Now()
			n, err := t.sendTxs(c, startTime.Add(time.Second))
			t.sent.Mark(int64(n))
			if err != nil {
				logger.Error(errors.Wrapf(err, "txs send failed on connection #%d", connIndex).Error())
				return
			}
			logger.Info(fmt.Sprintf("sent %d transactions", n), "took", time.Since(startTime))

		case <-pingsTicker.C:
			// go-rpc server closes the connection in the absence of pings
			c.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				logger.Error(errors.Wrapf(err, "failed to write ping message on conn #%d", connIndex).Error())
				return
			}

		case <-t.quit:
			// To cleanly close a connection, a client should send a close
			// frame and wait for the server to close the connection.
			c.SetWriteDeadline(time.Now().Add(sendTimeout))
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				logger.Error(errors.Wrapf(err, "failed to write close message on conn #%d", connIndex).Error())
			}
			return
		}
	}
}

// sendTxs 发送最多Rate笔交易，超过endTime时提前结束，返回发出的交易数
func (t *transacter) sendTxs(c *websocket.Conn, endTime time.Time) (int, error) {
	now := time.Now()
	for i := 0; i < t.Rate; i++ {
		// 发送时间写进交易，block RPC据此统计延迟
		tx := generateTx(t.Accounts, now)
		paramsJSON, err := tmjson.Marshal(map[string]interface{}{"tx": tx})
		if err != nil {
			return i, errors.Wrap(err, "encode params")
		}

		c.SetWriteDeadline(now.Add(sendTimeout))
		err = c.WriteJSON(jsonrpc.RPCRequest{
			JSONRPC: "2.0",
			ID:      jsonrpc.JSONRPCStringID("tm-bench"),
			Method:  t.BroadcastTxMethod,
			Params:  json.RawMessage(paramsJSON),
		})
		if err != nil {
			return i, err
		}

		// cache the time.Now() reads to save time.
		if i%5 == 0 {
			now = time.Now()
			if now.After(endTime) {
				// Plus one accounts for sending this tx
				return i + 1, nil
			}
		}
	}
	return t.Rate, nil
}

func connect(host string) (*websocket.Conn, *http.Response, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/websocket"}
	return websocket.DefaultDialer.Dial(u.String(), nil)
}

// generateTx 在username1..username{accounts}之间随机生成SmallBank交易
func generateTx(accounts int, now time.Time) *types.Tx {
	username := func() string {
		return fmt.Sprintf("username%v", rand.Intn(accounts)+1)
	}
	amount := strconv.Itoa(rand.Intn(200))
	sendTime := now.UnixNano() + rand.Int63n(int64(time.Millisecond))

	switch rand.Intn(4) {
	case 0:
		return types.NewTx(types.SBTransactionSavingTx, sendTime, username(), amount)
	case 1:
		return types.NewTx(types.SBWriteCheckingTx, sendTime, username(), amount)
	case 2:
		username1 := username()
		username2 := username1
		for accounts > 1 && username2 == username1 {
			username2 = username()
		}
		return types.NewTx(types.SBAmalgamateTx, sendTime, username1, username2)
	default:
		return types.NewTx(types.SBDepositCheckingTx, sendTime, username(), amount)
	}
}
