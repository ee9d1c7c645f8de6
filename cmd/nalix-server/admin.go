package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/nalix/nalix/connection"
	"github.com/gosuda/nalix/nalix/transport"
)

func (s *server) serveAdmin(ctx context.Context, addr string) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
	r.Get("/stats", s.handleStats)
	r.Get("/ws", s.handleWS)

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Str("addr", addr).Msg("[Admin] http server failed")
	}
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	connCount := len(s.conns)
	s.mu.Unlock()

	stats := map[string]any{
		"connections":  connCount,
		"buffer_pool":  s.pool.Stats(),
		"rate_rejects": s.dispatcher.Limiter().Rejected(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleWS upgrades to a websocket carrying one packet per binary message.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("[Admin] websocket accept failed")
		return
	}

	wst := transport.NewWebSocketTransport(ws)
	conn := connection.New(r.Context(), wst, remoteAddr(r))
	s.track(conn)
	defer s.untrack(conn)
	defer conn.Close("websocket closed")

	log.Info().
		Uint64("conn", conn.ID()).
		Str("remote", r.RemoteAddr).
		Msg("[Admin] websocket connection accepted")

	for {
		frame, err := wst.Receive(r.Context())
		if err != nil {
			return
		}
		s.dispatcher.Handle(frame, conn)
	}
}

type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }

func remoteAddr(r *http.Request) wsAddr { return wsAddr(r.RemoteAddr) }
