package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/server/websocket"
)

// WSHandler upgrades admin connections onto the live job/agent status feed
// (an operator surface; agents never connect here).
type WSHandler struct {
	hub    *websocket.Hub
	logger *zap.Logger
}

func NewWSHandler(hub *websocket.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: logger.Named("ws_handler")}
}

// Subscribe upgrades the request and joins the caller to the topics named
// in its comma-separated ?topics= query parameter, e.g.
// "job:job_01h...,agent:agt_01h...".
func (h *WSHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
