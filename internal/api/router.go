package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/loop/status", h.LoopStatus)
	mux.HandleFunc("POST /v1/loop/start", h.LoopStart)
	mux.HandleFunc("POST /v1/loop/stop", h.LoopStop)

	mux.HandleFunc("PUT /v1/peers/{peer}", h.PutPeer)

	mux.HandleFunc("POST /v1/messages", h.SendMessage)
	mux.HandleFunc("POST /v1/forward", h.Forward)
	mux.HandleFunc("POST /v1/albums", h.SendAlbum)
	mux.HandleFunc("POST /v1/votes", h.SendVote)

	mux.HandleFunc("GET /v1/messages/failed", h.ListFailed)
	mux.HandleFunc("GET /v1/messages/{peer}", h.ListMessages)
	mux.HandleFunc("POST /v1/messages/{peer}/{msg}/cancel", h.CancelMessage)
	mux.HandleFunc("POST /v1/messages/{peer}/{msg}/resend", h.ResendMessage)
	mux.HandleFunc("POST /v1/messages/{peer}/{msg}/load", h.LoadMessage)

	mux.HandleFunc("PUT /v1/drafts/{peer}", h.SaveDraft)

	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("delivery-pipeline"))
	})

	return mux
}
