package app

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loom/cmd/internal/state"
)

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		if a.cfg.ReadinessRequireHydration && !a.hydrated.Load() {
			http.Error(w, "hydrating", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/chats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, rosterResponse{
			Active:      a.chats.ActiveChatID(),
			UnreadTotal: a.chats.UnreadTotal(),
			Chats:       a.chats.AllChats(),
		})
	})

	mux.HandleFunc("GET /v1/chats/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := a.chats.ChatByID(id); !ok {
			http.Error(w, "unknown chat", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, messagesResponse{
			ChatID:   id,
			Messages: a.msgs.MessagesForChat(id),
		})
	})

	mux.HandleFunc("GET /v1/chats/{id}/typing", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		writeJSON(w, http.StatusOK, typingResponse{
			ChatID: id,
			Typing: a.msgs.TypingUsersForChat(id),
		})
	})

	mux.HandleFunc("GET /v1/unread", func(w http.ResponseWriter, _ *http.Request) {
		byChat := make(map[string]int)
		for _, c := range a.chats.AllChats() {
			if c.UnreadCount > 0 {
				byChat[c.ID] = c.UnreadCount
			}
		}
		writeJSON(w, http.StatusOK, unreadResponse{
			Total:  a.chats.UnreadTotal(),
			ByChat: byChat,
		})
	})

	// Focusing a chat clears its unread counter; new arrivals in the
	// focused chat stay at zero until it is closed again.
	mux.HandleFunc("POST /v1/active/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := a.chats.ChatByID(id); !ok {
			http.Error(w, "unknown chat", http.StatusNotFound)
			return
		}
		a.chats.SetActive(id)
		a.chats.ResetUnread(id)
		a.notify.Publish(state.Update{Kind: state.UpdateRoster})
		writeJSON(w, http.StatusOK, activeResponse{Active: id})
	})

	mux.HandleFunc("DELETE /v1/active", func(w http.ResponseWriter, _ *http.Request) {
		a.chats.SetActive("")
		a.notify.Publish(state.Update{Kind: state.UpdateRoster})
		writeJSON(w, http.StatusOK, activeResponse{})
	})
}

type rosterResponse struct {
	Active      string       `json:"active,omitempty"`
	UnreadTotal int          `json:"unread_total"`
	Chats       []state.Chat `json:"chats"`
}

type messagesResponse struct {
	ChatID   string          `json:"chat_id"`
	Messages []state.Message `json:"messages"`
}

type typingResponse struct {
	ChatID string   `json:"chat_id"`
	Typing []string `json:"typing"`
}

type unreadResponse struct {
	Total  int            `json:"total"`
	ByChat map[string]int `json:"by_chat"`
}

type activeResponse struct {
	Active string `json:"active,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	// Headers are already sent; an encode failure here means the client
	// went away, which the request logger will surface.
	_ = json.NewEncoder(w).Encode(v)
}
