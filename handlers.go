package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/knadh/callrelay/store"
)

const (
	hasSnapshot = 1 << iota
)

type ctxKey struct{}

// reqCtx is the context injected into every request.
type reqCtx struct {
	app *App

	snapshot    *store.Room
	snapshotErr error
}

// jsonResp is the envelope for all JSON API responses.
type jsonResp struct {
	Error *string     `json:"error"`
	Data  interface{} `json:"data"`
}

type healthResp struct {
	Rooms int `json:"rooms"`
	Peers int `json:"peers"`
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	return true
}}

// handleIndex renders the landing page.
func handleIndex(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app

	b, err := app.fs.Read("/static/index.html")
	if err != nil {
		app.logger.Error("error reading index page", "err", err)
		http.Error(w, "error reading index page", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(b)
}

// handleWS handles incoming connections.
func handleWS(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app

	// Create the WS connection.
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "err", err)
		return
	}

	// Blocks until the peer goes away.
	app.router.ServePeer(ws)
}

// handleGetOffer returns the stored offer and candidates of a call.
func handleGetOffer(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		s   = ctx.snapshot
	)

	if ctx.snapshotErr != nil {
		writeJSON(w, map[string]string{"error": "Error fetching offer"}, http.StatusInternalServerError)
		return
	}
	if s == nil || len(s.Offer) == 0 {
		writeJSON(w, map[string]string{"error": "Offer not found"}, http.StatusNotFound)
		return
	}

	if s.CallerCandidates == nil {
		s.CallerCandidates = []json.RawMessage{}
	}
	if s.AnswerCandidates == nil {
		s.AnswerCandidates = []json.RawMessage{}
	}
	writeJSON(w, s, http.StatusOK)
}

// handleHealth reports the relay's room and peer counts.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app
	respondJSON(w, healthResp{
		Rooms: app.hub.Count(),
		Peers: app.hub.PeerCount(),
	}, nil, http.StatusOK)
}

// respondJSON responds to an HTTP request with a generic payload or an error.
func respondJSON(w http.ResponseWriter, data interface{}, err error, statusCode int) {
	out := jsonResp{Data: data}
	if err != nil {
		e := err.Error()
		out.Error = &e
	}
	writeJSON(w, out, statusCode)
}

// writeJSON writes v as the JSON body of a response.
func writeJSON(w http.ResponseWriter, v interface{}, statusCode int) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	w.Write(b)
}

// wrap is a middleware that attaches the app context, and optionally a
// call's snapshot, to HTTP handlers.
func wrap(next http.HandlerFunc, app *App, opts uint8) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &reqCtx{app: app}

		// Fetch the call's snapshot. If it's not found, req.snapshot is nil
		// and it's the handler's responsibility to respond accordingly.
		if opts&hasSnapshot != 0 {
			s, err := app.hub.Snapshot(chi.URLParam(r, "callID"))
			switch {
			case err == nil:
				req.snapshot = &s
			case !errors.Is(err, store.ErrRoomNotFound):
				app.logger.Error("error fetching snapshot", "err", err)
				req.snapshotErr = err
			}
		}

		// Attach the request context.
		ctx := context.WithValue(r.Context(), ctxKey{}, req)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
