package app

import (
	"net/http"
	"strings"

	"nhooyr.io/websocket"

	"collabsync/pkg/logger"
	"collabsync/pkg/realtime"
)

// realtimeHandler upgrades to a websocket and streams hub events matching
// the requested subscriptions. Each "subscribe" query parameter is
// "table" or "table:column=eq.value".
func (a *App) realtimeHandler(w http.ResponseWriter, r *http.Request) {
	subs := parseSubscriptions(r.URL.Query()["subscribe"])
	if len(subs) == 0 {
		http.Error(w, "at least one subscribe parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Warn("ws_accept_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := a.hub.Subscribe(subs, 0)
	defer a.hub.Unsubscribe(sub)
	logger.Info("ws_subscribed", "remote", r.RemoteAddr, "subscriptions", len(subs))

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			frame, err := realtime.EncodeEvent(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				logger.Info("ws_write_failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

func parseSubscriptions(raw []string) []realtime.Subscription {
	var subs []realtime.Subscription
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		table, filter, _ := strings.Cut(s, ":")
		subs = append(subs, realtime.Subscription{Table: table, Filter: filter})
	}
	return subs
}
