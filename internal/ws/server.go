package ws

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/qiuyier/medlink-broker/config"
	"github.com/qiuyier/medlink-broker/internal/auth"
	"github.com/qiuyier/medlink-broker/internal/broker"
	"github.com/qiuyier/medlink-broker/internal/consts"
	"go.uber.org/zap"
)

// Server WebSocket 接入，token 通过 ?token= 或 Authorization: Bearer 传入
type Server struct {
	auth     *auth.JWTAuth
	manager  *ConnectionManager
	handler  MessageHandler
	upgrader websocket.Upgrader
	cfg      config.WSConfig
	logger   *zap.Logger
}

func NewServer(b *broker.Broker, jwtAuth *auth.JWTAuth, cfg config.WSConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		auth:    jwtAuth,
		manager: NewConnectionManager(cfg.MaxConnPerClient, logger),
		handler: NewBrokerHandler(b, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		cfg:    cfg,
		logger: logger,
	}
}

func (s *Server) Manager() *ConnectionManager {
	return s.manager
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.ValidateToken(tokenFromRequest(r))
	if err != nil {
		s.logger.Warn("websocket auth failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(claims, wsConn, s.cfg.SendChannelSize, s.cfg.MaxMessageSize, s.cfg.PongTimeout, s.logger)

	go conn.WritePump(s.cfg.PingInterval)

	if err := s.manager.AddConnection(conn); err != nil {
		code := consts.ErrorCodeInternal
		if errors.Is(err, ErrTooManyConns) {
			code = consts.ErrorCodeForbidden
		}
		if data, encErr := Encode(MessageTypeError, &ErrorPayload{Code: code, Message: err.Error()}); encErr == nil {
			conn.Send(data)
		}
		conn.Close()
		return
	}
	defer s.manager.RemoveConnection(conn.ClientID, conn.ID)

	conn.ReadPump(s.handler)
}

// Close 通知并断开全部客户端
func (s *Server) Close() {
	s.manager.CloseAll("server shutting down")
}

func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}
