package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/qiuyier/medlink-broker/internal/broker"
	"github.com/qiuyier/medlink-broker/internal/consts"
	"github.com/qiuyier/medlink-broker/internal/sink"
	"go.uber.org/zap"
)

const maxBodySize = 1 << 20

// Handler 内存消息存储的 HTTP 查询接口
type Handler struct {
	broker     *broker.Broker
	forwarders map[string]*sink.Forwarder
	logger     *zap.Logger
}

func NewHandler(b *broker.Broker, forwarders map[string]*sink.Forwarder, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{broker: b, forwarders: forwarders, logger: logger}
}

// Register 注册路由
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /stats", h.stats)
	mux.HandleFunc("GET /topics", h.topics)
	mux.HandleFunc("GET /topics/{topic}/messages", h.listMessages)
	mux.HandleFunc("GET /topics/{topic}/messages/{id}", h.getMessage)
	mux.HandleFunc("POST /topics/{topic}/messages", h.publish)
	mux.HandleFunc("POST /messages", h.publish)
}

type statsResponse struct {
	Broker *broker.Stats          `json:"broker"`
	Sinks  map[string]*sink.Stats `json:"sinks,omitempty"`
}

type topicInfo struct {
	Name        string `json:"name"`
	Messages    int    `json:"messages"`
	Subscribers int    `json:"subscribers"`
}

type publishResponse struct {
	MsgID string `json:"msg_id"`
	Topic string `json:"topic"`
	Error string `json:"error,omitempty"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{Broker: h.broker.GetStats()}
	if len(h.forwarders) > 0 {
		resp.Sinks = make(map[string]*sink.Stats, len(h.forwarders))
		for name, f := range h.forwarders {
			resp.Sinks[name] = f.GetStats()
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) topics(w http.ResponseWriter, _ *http.Request) {
	names := h.broker.Topics()
	infos := make([]topicInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, topicInfo{
			Name:        name,
			Messages:    h.broker.Len(name),
			Subscribers: h.broker.Subscribers(name),
		})
	}
	h.writeJSON(w, http.StatusOK, infos)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs := h.broker.Messages(r.PathValue("topic"))
	if msgs == nil {
		msgs = []*broker.Message{}
	}
	h.writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.broker.Get(r.PathValue("topic"), r.PathValue("id"))
	if !ok {
		h.writeError(w, http.StatusNotFound, consts.ErrorCodeNotFound, "message not found")
		return
	}
	h.writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	var content broker.Payload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&content); err != nil {
		h.writeError(w, http.StatusBadRequest, consts.ErrorCodeBadRequest, "invalid json payload")
		return
	}

	// POST /messages 发布到默认 topic
	topic := r.PathValue("topic")
	if topic == "" {
		topic = h.broker.DefaultTopic()
	}
	id, err := h.broker.Publish(topic, content)
	if err != nil {
		// 消息已保存，只是部分订阅者失败
		var deliveryErr *broker.DeliveryError
		if errors.As(err, &deliveryErr) {
			h.logger.Warn("http publish delivered partially",
				zap.String("topic", topic),
				zap.String("msg_id", id),
				zap.Error(err),
			)
			h.writeJSON(w, http.StatusAccepted, publishResponse{MsgID: id, Topic: topic, Error: err.Error()})
			return
		}
		h.writeError(w, http.StatusInternalServerError, consts.ErrorCodeInternal, err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, publishResponse{MsgID: id, Topic: topic})
}

func (h *Handler) writeError(w http.ResponseWriter, status, code int, message string) {
	h.writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("write response failed", zap.Error(err))
	}
}
