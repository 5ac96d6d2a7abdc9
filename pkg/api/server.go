// Package api is the engine's HTTP front door: it decodes the command
// envelope off the wire and hands it to engine.Engine.Submit. Routes are
// grouped per resource on a mux.Router behind rs/cors.
package api

import (
	"encoding/binary"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/vexchange/matchcore/pkg/bizerr"
	"github.com/vexchange/matchcore/pkg/bus"
	"github.com/vexchange/matchcore/pkg/engine"
	"github.com/vexchange/matchcore/pkg/wire"
)

// Server fronts one Engine over HTTP/WS. It holds no matching-engine state
// of its own — every request is translated into a wire.Method + params and
// handed to Engine.Submit, which replies synchronously from the single
// event-loop goroutine.
type Server struct {
	eng    *engine.Engine
	hub    *bus.Hub
	router *mux.Router
	log    *zap.SugaredLogger
}

// NewServer builds the router; hub must already be constructed (its Run
// loop is started separately by engine.Engine.Start).
func NewServer(eng *engine.Engine, hub *bus.Hub, log *zap.SugaredLogger) *Server {
	s := &Server{eng: eng, hub: hub, router: mux.NewRouter(), log: log}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Generic command endpoint: decodes the {method, params, id} envelope,
	// rejects unknown methods, mints an id when none is given, substitutes
	// {} for missing params, and submits it.
	api.HandleFunc("/command", s.handleCommand).Methods("POST")

	// Convenience per-resource routes.
	api.HandleFunc("/assets", s.handleAssetList).Methods("GET")
	api.HandleFunc("/assets/{asset}/summary", s.handleAssetSummary).Methods("GET")
	api.HandleFunc("/markets", s.handleMarketList).Methods("GET")
	api.HandleFunc("/markets/{market}/summary", s.handleMarketSummary).Methods("GET")
	api.HandleFunc("/markets/{market}/book", s.handleOrderBook).Methods("GET")
	api.HandleFunc("/markets/{market}/depth", s.handleOrderDepth).Methods("GET")

	s.router.HandleFunc("/ws", s.hub.ServeWS)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler())
}

// Start wraps the router in CORS and serves it on addr.
func (s *Server) Start(addr string) error {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// ==============================
// Command endpoint
// ==============================

type commandRequest struct {
	Method wire.Method     `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     uint64          `json:"id"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeReply(w, wire.ErrorReply(0, malformedBodyErr(err)))
		return
	}
	if req.ID == 0 {
		req.ID = genReqID()
	}
	if _, ok := wire.CommandFor(req.Method); !ok {
		writeReply(w, wire.ErrorReply(req.ID, malformedBodyErr(nil)))
		return
	}
	params := []byte(req.Params)
	if len(params) == 0 {
		params = []byte("{}")
	}
	writeReply(w, s.eng.Submit(req.Method, req.ID, params))
}

// genReqID mints a request id for callers that don't supply one.
func genReqID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

// ==============================
// Convenience REST handlers
// ==============================

func (s *Server) handleAssetList(w http.ResponseWriter, r *http.Request) {
	writeReply(w, s.eng.Submit(wire.MethodAssetList, genReqID(), []byte("{}")))
}

func (s *Server) handleAssetSummary(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	params, _ := json.Marshal(map[string]string{"asset": asset})
	writeReply(w, s.eng.Submit(wire.MethodAssetSummary, genReqID(), params))
}

func (s *Server) handleMarketList(w http.ResponseWriter, r *http.Request) {
	writeReply(w, s.eng.Submit(wire.MethodMarketList, genReqID(), []byte("{}")))
}

func (s *Server) handleMarketSummary(w http.ResponseWriter, r *http.Request) {
	market := mux.Vars(r)["market"]
	params, _ := json.Marshal(map[string]string{"market": market})
	writeReply(w, s.eng.Submit(wire.MethodMarketSummary, genReqID(), params))
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	market := mux.Vars(r)["market"]
	limit := queryInt(r, "limit", 0)
	params, _ := json.Marshal(map[string]any{"market": market, "limit": limit})
	writeReply(w, s.eng.Submit(wire.MethodOrderBook, genReqID(), params))
}

func (s *Server) handleOrderDepth(w http.ResponseWriter, r *http.Request) {
	market := mux.Vars(r)["market"]
	limit := queryInt(r, "limit", 0)
	interval := r.URL.Query().Get("interval")
	params, _ := json.Marshal(map[string]any{"market": market, "limit": limit, "interval": interval})
	writeReply(w, s.eng.Submit(wire.MethodOrderDepth, genReqID(), params))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// httpStatusFor maps a reply's stable error code to an HTTP status, for
// clients that only look at the status line.
func httpStatusFor(code int) int {
	switch code {
	case 1:
		return http.StatusBadRequest
	case 2:
		return http.StatusInternalServerError
	case 3:
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}

func writeReply(w http.ResponseWriter, reply wire.Reply) {
	w.Header().Set("Content-Type", "application/json")
	if reply.Error != nil {
		w.WriteHeader(httpStatusFor(reply.Error.Code))
	}
	json.NewEncoder(w).Encode(reply)
}

func malformedBodyErr(err error) error {
	msg := "api: malformed command body"
	if err != nil {
		msg += ": " + err.Error()
	}
	return bizerr.New(bizerr.InvalidArgument, msg)
}
