package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/livetrack/internal/auth"
	"github.com/example/livetrack/internal/dispatch/domain"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsReadLimit    = 4 << 10
)

var (
	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_driver_connections",
		Help: "Open driver WebSocket connections.",
	})

	wsMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_driver_messages_total",
		Help: "Driver WebSocket messages grouped by reply status.",
	}, []string{"status"})
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type socketMessage struct {
	Type string `json:"type"`
	locationRequest
}

type socketReply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// driverSocket streams location reports over one connection. A dropped
// connection is not a disconnect: the driver simply goes quiet and the reaper
// takes it offline. Only {"type":"offline"} is an explicit disconnect.
func (h *HTTP) driverSocket(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "id")
	if err := auth.AuthorizeSubject(r.Context(), driverID); err != nil {
		writeDomainError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.String("driver_id", driverID), zap.Error(err))
		return
	}
	defer conn.Close()
	wsConnections.Inc()
	defer wsConnections.Dec()

	logger := h.logger.With(zap.String("driver_id", driverID))
	logger.Info("driver socket connected")

	var writeMu sync.Mutex
	reply := func(msg socketReply) error {
		wsMessages.WithLabelValues(msg.Status).Inc()
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(msg)
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.WSPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.WSPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(conn, done, logger)

	limiter := rate.NewLimiter(rate.Limit(h.cfg.WSRate), h.cfg.WSBurst)
	ctx := r.Context()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("driver socket closed unexpectedly", zap.Error(err))
			} else {
				logger.Info("driver socket closed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.WSPongWait))

		var msg socketMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			if reply(socketReply{Status: "error", Error: "invalid_body", Detail: err.Error()}) != nil {
				return
			}
			continue
		}

		if msg.Type == "offline" {
			if err := h.reg.SetStatus(ctx, driverID, domain.StatusOffline); err != nil && !errors.Is(err, domain.ErrDriverNotFound) {
				_, code := errorStatus(err)
				_ = reply(socketReply{Status: "error", Error: code, Detail: err.Error()})
				return
			}
			_ = reply(socketReply{Status: "ok"})
			writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "offline"), time.Now().Add(wsWriteTimeout))
			writeMu.Unlock()
			return
		}
		if msg.Type != "" && msg.Type != "location" {
			if reply(socketReply{Status: "error", Error: "unknown_type", Detail: msg.Type}) != nil {
				return
			}
			continue
		}
		if !limiter.Allow() {
			if reply(socketReply{Status: "error", Error: "throttled"}) != nil {
				return
			}
			continue
		}

		if err := reply(h.applyLocation(r, driverID, msg.locationRequest)); err != nil {
			logger.Warn("driver socket write failed", zap.Error(err))
			return
		}
	}
}

func (h *HTTP) applyLocation(r *http.Request, driverID string, loc locationRequest) socketReply {
	p, err := loc.point()
	if err == nil {
		_, err = h.reg.ReportLocation(r.Context(), driverID, p, loc.reportedAt())
	}
	switch {
	case err == nil:
		return socketReply{Status: "ok"}
	case errors.Is(err, domain.ErrStaleTimestamp):
		return socketReply{Status: "stale"}
	default:
		_, code := errorStatus(err)
		return socketReply{Status: "error", Error: code, Detail: err.Error()}
	}
}

func (h *HTTP) pingLoop(conn *websocket.Conn, done <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(h.cfg.WSPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				logger.Debug("driver socket ping failed", zap.Error(err))
				// Unblocks the reader.
				_ = conn.Close()
				return
			}
		}
	}
}
