package chat

import (
	"sync"
	"time"

	"IMCore/logger"
	"IMCore/tools/errs"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ===== gorilla websocket 的 Transport 实现 =====

type WsConf struct {
	SendBuffer   int           // 写队列长度（默认 256）
	WriteTimeout time.Duration // 单帧写超时（默认 10s）
	PingEvery    time.Duration // 服务端 ping 周期（默认 25s；<0 不发）
}

func (c *WsConf) norm() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingEvery == 0 {
		c.PingEvery = 25 * time.Second
	}
}

// WsTransport 单写协程：所有写操作经 sendCh 串行化，gorilla 不允许并发写
type WsTransport struct {
	conn *websocket.Conn
	conf WsConf

	sendCh  chan []byte
	closeCh chan struct{}
	once    sync.Once
	open    atomic.Bool
	done    chan struct{}
}

func NewWsTransport(conn *websocket.Conn, conf WsConf) *WsTransport {
	conf.norm()
	t := &WsTransport{
		conn:    conn,
		conf:    conf,
		sendCh:  make(chan []byte, conf.SendBuffer),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	t.open.Store(true)
	go t.writePump()
	return t
}

func (t *WsTransport) IsOpen() bool { return t.open.Load() }

// Send 非阻塞入队；队列满视为慢消费者，直接报错
func (t *WsTransport) Send(data []byte) error {
	if !t.open.Load() {
		return errs.ErrNotFound.WrapMsg("websocket closed")
	}
	select {
	case t.sendCh <- data:
		return nil
	case <-t.closeCh:
		return errs.ErrNotFound.WrapMsg("websocket closed")
	default:
		return errs.ErrQueueSaturated.WrapMsg("websocket send buffer full")
	}
}

// Close 发 close 帧后关闭底层连接；重复调用无副作用
func (t *WsTransport) Close(code int, reason string) error {
	var err error
	t.once.Do(func() {
		t.open.Store(false)
		close(t.closeCh)
		<-t.done
		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.conf.WriteTimeout))
		err = t.conn.Close()
	})
	return err
}

// AttachPongHandler 客户端 pong / ping 都算心跳
func (t *WsTransport) AttachPongHandler(onBeat func()) {
	t.conn.SetPongHandler(func(string) error {
		onBeat()
		return nil
	})
	t.conn.SetPingHandler(func(appData string) error {
		onBeat()
		return t.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(t.conf.WriteTimeout))
	})
}

func (t *WsTransport) writePump() {
	defer close(t.done)
	var tick <-chan time.Time
	if t.conf.PingEvery > 0 {
		tk := time.NewTicker(t.conf.PingEvery)
		defer tk.Stop()
		tick = tk.C
	}
	for {
		select {
		case <-t.closeCh:
			return
		case data := <-t.sendCh:
			if err := t.writeFrame(websocket.TextMessage, data); err != nil {
				logger.Named("ws").Debug("write failed", zap.Error(err))
				t.open.Store(false)
				return
			}
		case <-tick:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.conf.WriteTimeout)); err != nil {
				t.open.Store(false)
				return
			}
		}
	}
}

func (t *WsTransport) writeFrame(mt int, data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.conf.WriteTimeout))
	return t.conn.WriteMessage(mt, data)
}
