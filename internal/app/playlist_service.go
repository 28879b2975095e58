package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/mindwaved/internal/config"
	"github.com/dokzlo13/mindwaved/internal/eventbus"
	"github.com/dokzlo13/mindwaved/internal/playlist"
	"github.com/dokzlo13/mindwaved/internal/sensor"
)

// PlaylistService runs the playlist coordinator against the in-memory playlists.
type PlaylistService struct {
	Playlists   *playlist.Playlists
	coordinator *playlist.Coordinator
}

// NewPlaylistService builds the playlists and the coordinator. Playlist changes
// are published on the bus.
func NewPlaylistService(cfg *config.Config, state *sensor.SharedState, bus *eventbus.Bus) (*PlaylistService, error) {
	lists, err := playlist.NewPlaylists(cfg.Playlist.Playlists)
	if err != nil {
		return nil, err
	}

	// Playlists logs each change itself.
	lists.OnChange(func(c playlist.Change) {
		bus.Publish(eventbus.Event{
			Type: eventbus.EventTypePlaylist,
			ID:   uuid.NewString(),
			At:   c.At,
			Data: map[string]any{
				"kind":     string(c.Kind),
				"playlist": c.Playlist,
				"via":      c.Via,
				"item":     c.Item,
				"index":    c.Index,
			},
		})
	})

	coordinator, err := playlist.NewCoordinator(playlist.Config{
		IdleSwitchInterval: cfg.Playlist.IdleSwitchInterval.Duration(),
		PollInterval:       cfg.Playlist.PollInterval.Duration(),
	}, state, lists)
	if err != nil {
		return nil, err
	}

	return &PlaylistService{
		Playlists:   lists,
		coordinator: coordinator,
	}, nil
}

// Run ticks the coordinator until ctx is cancelled.
func (s *PlaylistService) Run(ctx context.Context) {
	if err := s.coordinator.Run(ctx); err != nil {
		log.Error().Err(err).Str("worker", "playlist").Msg("Worker failed")
	}
}
