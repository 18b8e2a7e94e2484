// Package transport 对外提供 WebSocket 订阅入口和健康检查。
package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"depth-relay-go/infrastructure/logger"
	"depth-relay-go/infrastructure/monitor"
	"depth-relay-go/internal/engine"
	"depth-relay-go/internal/hub"
)

const (
	invalidSymbolText = "Invalid or unsupported symbol"
	unavailableText   = "Service unavailable"
)

// SyncStatus 健康检查需要的同步器只读视图。
type SyncStatus interface {
	Symbol() string
	State() engine.State
	LastUpdateID() int64
}

// Options 传输层参数
type Options struct {
	Path         string        `yaml:"path"`
	MaxBackfill  int           `yaml:"max_backfill"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PongWait     time.Duration `yaml:"pong_wait"`
	PingPeriod   time.Duration `yaml:"ping_period"`
	ReadLimit    int64         `yaml:"read_limit"`
}

// DefaultOptions 返回默认参数
func DefaultOptions() Options {
	return Options{
		Path:         "/ws",
		MaxBackfill:  300,
		WriteTimeout: 10 * time.Second,
		PongWait:     60 * time.Second,
		PingPeriod:   54 * time.Second,
		ReadLimit:    4096,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Path == "" {
		o.Path = def.Path
	}
	if o.MaxBackfill <= 0 {
		o.MaxBackfill = def.MaxBackfill
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PongWait <= 0 {
		o.PongWait = def.PongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = def.ReadLimit
	}
	return o
}

// Server 把 WebSocket 连接接到订阅注册表上。
type Server struct {
	registry *hub.Registry
	syncs    []SyncStatus
	aliases  *AliasTable
	opts     Options
	upgrader websocket.Upgrader
	log      *logger.Logger
	mon      *monitor.Monitor
}

func NewServer(registry *hub.Registry, syncs []SyncStatus, aliases *AliasTable, opts Options, log *logger.Logger, mon *monitor.Monitor) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	if aliases == nil {
		aliases = NewAliasTable(nil)
	}
	return &Server{
		registry: registry,
		syncs:    syncs,
		aliases:  aliases,
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
		mon: mon,
	}
}

// Aliases 返回别名表，热更新时整体替换。
func (s *Server) Aliases() *AliasTable { return s.aliases }

// Handler 订阅入口 + /healthz
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.serveWS)
	mux.HandleFunc("/healthz", s.serveHealth)
	return mux
}

// ParseLimit 缺省、非数字、非正数都视为只要实时数据；超过上限截断。
func ParseLimit(raw string, ceiling int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return clampLimit(n, ceiling)
}

func clampLimit(n, ceiling int) int {
	if n <= 0 {
		return 0
	}
	if ceiling > 0 && n > ceiling {
		return ceiling
	}
	return n
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol, alias := s.aliases.Resolve(q.Get("symbol"))
	limit := ParseLimit(q.Get("limit"), s.opts.MaxBackfill)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	if symbol == "" || !s.registry.Tracked(symbol) {
		s.log.Info("reject subscriber",
			zap.String("symbol", q.Get("symbol")),
			zap.String("remote", r.RemoteAddr))
		s.reject(ws, websocket.ClosePolicyViolation, invalidSymbolText)
		return
	}

	sub, err := s.registry.Register(r.Context(), symbol, limit, hub.SubscriberOptions{
		Alias:  alias,
		Remote: r.RemoteAddr,
	})
	if err != nil {
		s.log.LogError(err, map[string]interface{}{"symbol": symbol, "op": "register", "remote": r.RemoteAddr})
		// 交易对有效但暂时无法服务：停机中或同步器已退出
		s.reject(ws, websocket.CloseTryAgainLater, unavailableText)
		return
	}

	c := &conn{srv: s, ws: ws, sub: sub}
	c.serve()
}

func (s *Server) reject(ws *websocket.Conn, code int, text string) {
	defer ws.Close()
	raw, _ := json.Marshal(hub.ErrorMessage(text))
	deadline := time.Now().Add(s.opts.WriteTimeout)
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return
	}
	s.mon.RecordMessageSent("error")
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
}

type symbolHealth struct {
	State        string `json:"state"`
	LastUpdateID int64  `json:"lastUpdateId"`
	Subscribers  int    `json:"subscribers"`
}

type healthResponse struct {
	Status  string                  `json:"status"`
	Symbols map[string]symbolHealth `json:"symbols"`
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Symbols: make(map[string]symbolHealth, len(s.syncs))}
	code := http.StatusOK
	for _, sy := range s.syncs {
		st := sy.State()
		if st != engine.StateLive {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		resp.Symbols[sy.Symbol()] = symbolHealth{
			State:        st.String(),
			LastUpdateID: sy.LastUpdateID(),
			Subscribers:  s.registry.Count(sy.Symbol()),
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
