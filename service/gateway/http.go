package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"IMCore/module/message/model"
	msgsvc "IMCore/module/message/service"
	"IMCore/service/chat"
	"IMCore/tools/errs"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type HTTPConf struct {
	Addr           string        `yaml:"addr" mapstructure:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"` // 空 => 全部放行
	ReadLimit      int64         `yaml:"read_limit" mapstructure:"read_limit"`           // 单帧上限（默认 64KB）
	ShutdownWait   time.Duration `yaml:"shutdown_wait" mapstructure:"shutdown_wait"`
	Ws             chat.WsConf   `yaml:"-" mapstructure:"-"`
}

func (c *HTTPConf) norm() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.ShutdownWait <= 0 {
		c.ShutdownWait = 10 * time.Second
	}
}

// StatsFunc /stats 里追加的额外快照（publisher / dispatcher 等）
type StatsFunc func() any

type HTTPServer struct {
	gw       *RealtimeGateway
	conf     HTTPConf
	engine   *gin.Engine
	srv      *http.Server
	upgrader websocket.Upgrader
	stats    map[string]StatsFunc
}

// NewHTTPServer metrics 为 nil 时不挂 /metrics
func NewHTTPServer(gw *RealtimeGateway, conf HTTPConf, metrics http.Handler, mws ...gin.HandlerFunc) *HTTPServer {
	conf.norm()
	s := &HTTPServer{gw: gw, conf: conf, stats: map[string]StatsFunc{}}
	s.upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: s.checkOrigin}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mws...)
	r.Use(corsMiddleware(conf.AllowedOrigins))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok", "instance": gw.conf.Instance}) })
	r.GET("/stats", s.handleStats)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	r.GET("/ws", s.HandleWS)

	api := r.Group("/api/v1")
	api.POST("/messages", s.handleSend)
	api.GET("/conversations/:cid/messages", s.handleHistory)
	api.GET("/users/:uid/online", s.handleOnline)

	s.engine = r
	s.srv = &http.Server{Addr: conf.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *HTTPServer) Engine() *gin.Engine { return s.engine }

// AddStats 注册 /stats 的一个分组
func (s *HTTPServer) AddStats(name string, f StatsFunc) { s.stats[name] = f }

// Serve 阻塞直到 Shutdown
func (s *HTTPServer) Serve() error {
	s.gw.log.Info("http listening", zap.String("addr", s.conf.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errs.WrapMsg(err, "http serve", "addr", s.conf.Addr)
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.conf.ShutdownWait)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// ===== CORS =====

func corsMiddleware(origins []string) gin.HandlerFunc {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-Id"},
		ExposeHeaders: []string{"Content-Length", "X-Request-Id"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return cors.New(c)
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	if len(s.conf.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.conf.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// ===== WebSocket =====

// ClientFrame 客户端上行帧；任何上行帧都算一次心跳
type ClientFrame struct {
	Type       string        `json:"type"` // ping | send
	Conv       int64         `json:"conversationId,omitempty"`
	ClientID   string        `json:"clientMsgId,omitempty"`
	MsgType    model.MsgType `json:"msgType,omitempty"`
	Content    string        `json:"content,omitempty"`
	ReplyToID  *int64        `json:"replyToId,omitempty"`
	Mentions   []int64       `json:"mentions,omitempty"`
	Recipients []int64       `json:"recipients,omitempty"`
}

// ServerAck 对上行 send 的回执
type ServerAck struct {
	Event       string         `json:"event"` // ack | pong | error
	ClientMsgID string         `json:"clientMsgId,omitempty"`
	Message     *model.Message `json:"message,omitempty"`
	Code        int            `json:"code,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// HandleWS GET /ws?userId=&deviceId=
func (s *HTTPServer) HandleWS(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("userId"), 10, 64)
	deviceID := c.Query("deviceId")
	if err != nil || userID <= 0 || deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.InvalidArgumentCode, "error": "userId/deviceId required"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 非 websocket 请求 / 握手失败；upgrader 已写回响应
		s.gw.log.Info("upgrade websocket failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(s.conf.ReadLimit)

	t := chat.NewWsTransport(ws, s.conf.Ws)
	reg := s.gw.reg
	connID, err := reg.Register(t, userID, deviceID, c.Request.UserAgent())
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, errs.ErrConnectionLimit) {
			code = websocket.CloseTryAgainLater
		}
		_ = t.Close(code, err.Error())
		return
	}
	t.AttachPongHandler(func() { reg.Heartbeat(connID) })
	s.readLoop(c.Request.Context(), ws, t, connID, userID, deviceID)
}

// readLoop 只读不写（写走 transport 的写协程）；出错即退出并注销
func (s *HTTPServer) readLoop(ctx context.Context, ws *websocket.Conn, t *chat.WsTransport, connID string, userID int64, deviceID string) {
	reg := s.gw.reg
	log := s.gw.log.With(zap.String("connId", connID))
	defer func() {
		reg.Unregister(connID)
		_ = t.Close(websocket.CloseNormalClosure, "bye")
	}()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				log.Info("peer closed", zap.Error(err))
			case errors.As(err, &ne) && ne.Timeout():
				log.Info("read timeout", zap.Error(err))
			default:
				log.Info("read error", zap.Error(err))
			}
			return
		}
		reg.Heartbeat(connID)
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		var f ClientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			log.Warn("bad client frame", zap.Error(err), zap.ByteString("sample", sample), zap.Int("len", len(data)))
			s.reply(t, ServerAck{Event: "error", Code: errs.InvalidArgumentCode, Error: "bad frame"})
			continue
		}
		switch f.Type {
		case "ping":
			s.reply(t, ServerAck{Event: "pong"})
		case "send":
			s.handleFrameSend(ctx, t, userID, f)
		default:
			s.reply(t, ServerAck{Event: "error", Code: errs.InvalidArgumentCode, Error: "unknown frame type " + f.Type})
		}
	}
}

func (s *HTTPServer) handleFrameSend(ctx context.Context, t *chat.WsTransport, userID int64, f ClientFrame) {
	m, _, err := s.gw.SendMessage(ctx, msgsvc.SendReq{
		ConversationID: f.Conv,
		SenderID:       userID,
		ClientMsgID:    f.ClientID,
		MsgType:        f.MsgType,
		Content:        f.Content,
		ReplyToID:      f.ReplyToID,
		Mentions:       f.Mentions,
	}, f.Recipients)
	if err != nil {
		s.reply(t, ServerAck{Event: "error", ClientMsgID: f.ClientID, Code: errs.CodeOf(err), Error: err.Error()})
		return
	}
	s.reply(t, ServerAck{Event: "ack", ClientMsgID: m.ClientMsgID, Message: m})
}

func (s *HTTPServer) reply(t *chat.WsTransport, ack ServerAck) {
	b, err := json.Marshal(ack)
	if err != nil {
		return
	}
	if err := t.Send(b); err != nil {
		s.gw.log.Debug("reply dropped", zap.Error(err))
	}
}

// ===== REST =====

type sendBody struct {
	ConversationID int64          `json:"conversationId" binding:"required"`
	SenderID       int64          `json:"senderId" binding:"required"`
	ClientMsgID    string         `json:"clientMsgId"`
	MsgType        model.MsgType  `json:"msgType"`
	Content        string         `json:"content"`
	ContentExtra   map[string]any `json:"contentExtra"`
	ReplyToID      *int64         `json:"replyToId"`
	Mentions       []int64        `json:"mentions"`
	Recipients     []int64        `json:"recipients"`
}

func (s *HTTPServer) handleSend(c *gin.Context) {
	var b sendBody
	if err := c.ShouldBindJSON(&b); err != nil {
		abortErr(c, errs.ErrInvalidArgument.WrapMsg(err.Error()))
		return
	}
	m, d, err := s.gw.SendMessage(c.Request.Context(), msgsvc.SendReq{
		ConversationID: b.ConversationID,
		SenderID:       b.SenderID,
		ClientMsgID:    b.ClientMsgID,
		MsgType:        b.MsgType,
		Content:        b.Content,
		ContentExtra:   b.ContentExtra,
		ReplyToID:      b.ReplyToID,
		Mentions:       b.Mentions,
	}, b.Recipients)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": m, "delivery": d})
}

func (s *HTTPServer) handleHistory(c *gin.Context) {
	cid, err := strconv.ParseInt(c.Param("cid"), 10, 64)
	if err != nil {
		abortErr(c, errs.ErrInvalidConversation.WrapMsg("cid"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	var before *int64
	if v := c.Query("beforeSeq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			abortErr(c, errs.ErrInvalidArgument.WrapMsg("beforeSeq"))
			return
		}
		before = &n
	}
	list, err := s.gw.msgs.History(c.Request.Context(), cid, before, limit)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": list})
}

func (s *HTTPServer) handleOnline(c *gin.Context) {
	uid, err := strconv.ParseInt(c.Param("uid"), 10, 64)
	if err != nil {
		abortErr(c, errs.ErrInvalidArgument.WrapMsg("uid"))
		return
	}
	anywhere, err := s.gw.reg.IsOnlineAnywhere(c.Request.Context(), uid)
	if err != nil {
		s.gw.log.Warn("shared presence lookup failed", zap.Int64("userId", uid), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":      uid,
		"local":       s.gw.reg.IsOnline(uid),
		"anywhere":    anywhere,
		"connections": s.gw.reg.ConnectionsOf(uid),
	})
}

func (s *HTTPServer) handleStats(c *gin.Context) {
	out := gin.H{"instance": s.gw.conf.Instance, "registry": s.gw.reg.Stats()}
	for name, f := range s.stats {
		out[name] = f()
	}
	c.JSON(http.StatusOK, out)
}

// abortErr 错误码 -> HTTP 状态
func abortErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrInvalidArgument), errors.Is(err, errs.ErrInvalidConversation), errors.Is(err, errs.ErrInvalidSubject):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrNotEditable), errors.Is(err, errs.ErrDuplicateClientMessage):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrQueueSaturated), errors.Is(err, errs.ErrConnectionLimit):
		status = http.StatusTooManyRequests
	case errors.Is(err, errs.ErrTransient):
		status = http.StatusServiceUnavailable
	}
	c.AbortWithStatusJSON(status, gin.H{"code": errs.CodeOf(err), "error": err.Error()})
}
