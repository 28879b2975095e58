package playlist

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ChangeKind tells what happened to the playlists.
type ChangeKind string

const (
	ChangeSwitch  ChangeKind = "switch"
	ChangeAdvance ChangeKind = "advance"
)

// Change is emitted after every switch or advance.
type Change struct {
	Kind     ChangeKind `json:"kind"`
	Playlist string     `json:"playlist"`
	Via      string     `json:"via,omitempty"`
	Item     string     `json:"item"`
	Index    int        `json:"index"`
	At       time.Time  `json:"at"`
}

// Listener is called synchronously for each change.
type Listener func(Change)

// Current describes what is playing.
type Current struct {
	Playlist string `json:"playlist"`
	Item     string `json:"item"`
	Index    int    `json:"index"`
}

// Playlists is an in-memory Set of named item lists. Each playlist remembers
// its position, so switching back resumes where it left off.
type Playlists struct {
	mu       sync.RWMutex
	lists    map[string][]string
	position map[string]int
	current  string
	listener Listener
}

// NewPlaylists creates a set. The on, off and transition playlists must exist
// and be non-empty.
func NewPlaylists(lists map[string][]string) (*Playlists, error) {
	for _, name := range []string{On, Off, Transition} {
		if len(lists[name]) == 0 {
			return nil, fmt.Errorf("%w: playlist %q missing or empty", ErrInvalidConfig, name)
		}
	}

	copied := make(map[string][]string, len(lists))
	for name, items := range lists {
		copied[name] = append([]string(nil), items...)
	}

	return &Playlists{
		lists:    copied,
		position: make(map[string]int),
	}, nil
}

// OnChange installs the change listener.
func (p *Playlists) OnChange(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

// SwitchTo makes name the current playlist.
func (p *Playlists) SwitchTo(name string) {
	p.switchTo(name, "")
}

// SwitchVia makes name current, fading through via first.
func (p *Playlists) SwitchVia(name, via string) {
	p.switchTo(name, via)
}

func (p *Playlists) switchTo(name, via string) {
	p.mu.Lock()
	if _, ok := p.lists[name]; !ok {
		p.mu.Unlock()
		log.Error().Str("playlist", name).Msg("Unknown playlist, ignoring switch")
		return
	}
	p.current = name
	change := p.changeLocked(ChangeSwitch, via)
	listener := p.listener
	p.mu.Unlock()

	ev := log.Info().Str("playlist", name).Str("item", change.Item)
	if via != "" {
		ev = ev.Str("via", via)
	}
	ev.Msg("Playlist switched")

	if listener != nil {
		listener(change)
	}
}

// AdvanceCurrent moves the current playlist to its next item, wrapping around.
func (p *Playlists) AdvanceCurrent() {
	p.mu.Lock()
	if p.current == "" {
		p.mu.Unlock()
		return
	}
	items := p.lists[p.current]
	p.position[p.current] = (p.position[p.current] + 1) % len(items)
	change := p.changeLocked(ChangeAdvance, "")
	listener := p.listener
	p.mu.Unlock()

	log.Info().Str("playlist", change.Playlist).Str("item", change.Item).Msg("Playlist advanced")

	if listener != nil {
		listener(change)
	}
}

// Current returns what is playing now.
func (p *Playlists) Current() Current {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.current == "" {
		return Current{}
	}
	idx := p.position[p.current]
	return Current{Playlist: p.current, Item: p.lists[p.current][idx], Index: idx}
}

func (p *Playlists) changeLocked(kind ChangeKind, via string) Change {
	idx := p.position[p.current]
	return Change{
		Kind:     kind,
		Playlist: p.current,
		Via:      via,
		Item:     p.lists[p.current][idx],
		Index:    idx,
		At:       time.Now(),
	}
}
