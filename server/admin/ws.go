// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/absmach/fluxfn/dispatch"
	"github.com/absmach/fluxfn/internal/bufpool"
	"github.com/absmach/fluxfn/queue"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const wsWriteTimeout = 10 * time.Second

// statsFrame is one push on the stats stream.
type statsFrame struct {
	Timestamp time.Time               `json:"timestamp"`
	Queues    []queue.Stats           `json:"queues"`
	Workers   []dispatch.WorkerStatus `json:"workers"`
	Schedules int                     `json:"schedules"`
}

// statsWS streams stats snapshots to the client on a fixed interval
// until the client disconnects or the request is canceled.
func (h *handler) statsWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("admin_ws_upgrade_failed", slog.Any("error", err))
		return
	}
	defer ws.Close()

	h.logger.Debug("admin_ws_connected", slog.String("remote_addr", r.RemoteAddr))

	// Drain control frames so pings and the client's close are seen.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.statsInterval)
	defer ticker.Stop()

	if err := h.writeStats(ws); err != nil {
		return
	}

	for {
		select {
		case <-ticker.C:
			if err := h.writeStats(ws); err != nil {
				h.logger.Debug("admin_ws_write_failed",
					slog.String("remote_addr", r.RemoteAddr),
					slog.Any("error", err))
				return
			}
		case <-closed:
			h.logger.Debug("admin_ws_disconnected", slog.String("remote_addr", r.RemoteAddr))
			return
		case <-r.Context().Done():
			deadline := time.Now().Add(wsWriteTimeout)
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
			return
		}
	}
}

func (h *handler) writeStats(ws *websocket.Conn) error {
	frame := statsFrame{
		Timestamp: time.Now().UTC(),
		Queues:    h.queues.Stats(),
		Workers:   h.disp.Workers(),
		Schedules: h.sched.Active(),
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(frame); err != nil {
		return err
	}

	ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}
