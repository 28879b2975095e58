package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/mindwaved/internal/config"
	"github.com/dokzlo13/mindwaved/internal/playlist"
	"github.com/dokzlo13/mindwaved/internal/sensor"
)

// StatusService provides HTTP health, readiness and state endpoints.
type StatusService struct {
	cfg      *config.Config
	state    *sensor.SharedState
	playlist *PlaylistService
	server   *http.Server
}

// NewStatusService creates a new StatusService. playlist may be nil.
func NewStatusService(cfg *config.Config, state *sensor.SharedState, playlist *PlaylistService) *StatusService {
	return &StatusService{
		cfg:      cfg,
		state:    state,
		playlist: playlist,
	}
}

// statusResponse is the body of GET /state.
type statusResponse struct {
	Ready      bool              `json:"ready"`
	Generation uint64            `json:"generation"`
	UpdatedAt  *time.Time        `json:"updated_at,omitempty"`
	Reading    *sensor.Reading   `json:"reading,omitempty"`
	Playlist   *playlist.Current `json:"playlist,omitempty"`
}

// Router builds the status routes.
func (s *StatusService) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)

	// Ready once the headset has delivered its first reading.
	r.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !s.state.Read().Ok() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "waiting for headset"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.snapshot())
	}).Methods(http.MethodGet)

	return r
}

func (s *StatusService) snapshot() statusResponse {
	snap := s.state.Read()
	resp := statusResponse{
		Ready:      snap.Ok(),
		Generation: snap.Generation,
	}
	if snap.Ok() {
		resp.Reading = &snap.Reading
		resp.UpdatedAt = &snap.UpdatedAt
	}
	if s.playlist != nil {
		current := s.playlist.Playlists.Current()
		resp.Playlist = &current
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write status response")
	}
}

// Start begins the status server if enabled. The listener is bound here so
// a busy port fails startup.
func (s *StatusService) Start(ctx context.Context) error {
	if !s.cfg.Status.Enabled {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Status.Host, s.cfg.Status.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("status server listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           handlers.RecoveryHandler()(handlers.LoggingHandler(log.Logger, s.Router())),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("Starting status server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Status server shutdown error")
		}
	}()

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Status server error")
		}
	}()

	return nil
}
