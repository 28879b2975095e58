package playlist

import (
	"errors"
	"testing"
)

func testLists() map[string][]string {
	return map[string][]string{
		On:         {"plasma", "waves"},
		Off:        {"snowstorm", "rain", "fireflies"},
		Transition: {"crossfade"},
	}
}

func TestNewPlaylists_RequiresNames(t *testing.T) {
	lists := testLists()
	delete(lists, Transition)
	if _, err := NewPlaylists(lists); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing transition: got %v, want ErrInvalidConfig", err)
	}

	lists = testLists()
	lists[Off] = nil
	if _, err := NewPlaylists(lists); err == nil {
		t.Error("empty off playlist should be rejected")
	}
}

func TestPlaylists_SwitchAndAdvance(t *testing.T) {
	p, err := NewPlaylists(testLists())
	if err != nil {
		t.Fatalf("NewPlaylists: %v", err)
	}

	var changes []Change
	p.OnChange(func(c Change) { changes = append(changes, c) })

	if got := p.Current(); got != (Current{}) {
		t.Errorf("Current() before switch = %+v, want zero", got)
	}

	p.SwitchTo(Off)
	p.AdvanceCurrent()
	p.AdvanceCurrent()
	if got := p.Current(); got.Playlist != Off || got.Item != "fireflies" {
		t.Errorf("Current() = %+v, want off/fireflies", got)
	}

	p.AdvanceCurrent()
	if got := p.Current(); got.Item != "snowstorm" || got.Index != 0 {
		t.Errorf("advance should wrap, got %+v", got)
	}

	p.AdvanceCurrent()
	p.SwitchVia(On, Transition)
	if got := p.Current(); got.Playlist != On || got.Item != "plasma" {
		t.Errorf("Current() = %+v, want on/plasma", got)
	}

	// Switching back resumes the off playlist position.
	p.SwitchTo(Off)
	if got := p.Current(); got.Item != "rain" {
		t.Errorf("resumed item = %q, want rain", got.Item)
	}

	if len(changes) != 7 {
		t.Fatalf("changes = %d, want 7", len(changes))
	}
	if changes[5].Kind != ChangeSwitch || changes[5].Via != Transition {
		t.Errorf("switch via change = %+v", changes[5])
	}
}

func TestPlaylists_UnknownSwitchIgnored(t *testing.T) {
	p, err := NewPlaylists(testLists())
	if err != nil {
		t.Fatalf("NewPlaylists: %v", err)
	}
	p.SwitchTo(Off)
	p.SwitchTo("party")
	if got := p.Current().Playlist; got != Off {
		t.Errorf("current playlist = %q, want off", got)
	}
}
