package flame

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type burst struct {
	channel int
	d       time.Duration
}

type recordingBoard struct {
	bursts []burst
	fail   int
}

func (b *recordingBoard) Channels() int { return 4 }

func (b *recordingBoard) Fire(_ context.Context, channel int, d time.Duration) error {
	if channel == b.fail {
		return errors.New("valve stuck")
	}
	b.bursts = append(b.bursts, burst{channel, d})
	return nil
}

const twoSequences = `
local flame = require("flame")
local log = require("log")

flame.sequence("single", function(board)
  board.fire(1, 200)
end)

flame.sequence("sweep", function(board)
  for ch = 1, board.channels() do
    board.fire(ch, 50)
  end
  log.debug("sweep done", { channels = board.channels() })
end)
`

func TestScript_SelectionRoundRobin(t *testing.T) {
	s, err := LoadScriptString(twoSequences)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer s.Close()

	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}

	want := []string{"single", "sweep", "single"}
	for i, name := range want {
		if got := s.Selection().Name; got != name {
			t.Errorf("selection #%d = %q, want %q", i, got, name)
		}
		s.Advance()
	}
}

func TestScript_RunDrivesBoard(t *testing.T) {
	s, err := LoadScriptString(twoSequences)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer s.Close()

	board := &recordingBoard{}
	if err := s.Run(context.Background(), Sequence{Index: 0, Name: "single"}, board); err != nil {
		t.Fatalf("run single: %v", err)
	}
	if len(board.bursts) != 1 || board.bursts[0] != (burst{1, 200 * time.Millisecond}) {
		t.Errorf("bursts after single = %+v", board.bursts)
	}

	board.bursts = nil
	if err := s.Run(context.Background(), Sequence{Index: 1, Name: "sweep"}, board); err != nil {
		t.Fatalf("run sweep: %v", err)
	}
	if len(board.bursts) != 4 {
		t.Errorf("sweep fired %d bursts, want 4", len(board.bursts))
	}
}

func TestScript_RunPropagatesBoardError(t *testing.T) {
	s, err := LoadScriptString(twoSequences)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer s.Close()

	board := &recordingBoard{fail: 3}
	err = s.Run(context.Background(), Sequence{Index: 1, Name: "sweep"}, board)
	if err == nil {
		t.Fatal("expected error from failing channel")
	}
	if !strings.Contains(err.Error(), "valve stuck") {
		t.Errorf("error %q should mention the board failure", err)
	}
}

func TestScript_UnknownSequence(t *testing.T) {
	s, err := LoadScriptString(twoSequences)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer s.Close()

	if err := s.Run(context.Background(), Sequence{Index: 7}, &recordingBoard{}); err == nil {
		t.Error("expected error for unknown sequence")
	}
}

func TestLoadScript_Errors(t *testing.T) {
	if _, err := LoadScriptString(`local x = 1`); !errors.Is(err, ErrNoSequences) {
		t.Errorf("empty script: got %v, want ErrNoSequences", err)
	}

	dup := `
local flame = require("flame")
flame.sequence("a", function(board) end)
flame.sequence("a", function(board) end)
`
	if _, err := LoadScriptString(dup); err == nil {
		t.Error("duplicate sequence names should fail")
	}

	if _, err := LoadScriptString(`this is not lua`); err == nil {
		t.Error("syntax error should fail")
	}
}

func TestLogBoard_Range(t *testing.T) {
	b := NewLogBoard(2)
	if err := b.Fire(context.Background(), 3, time.Millisecond); err == nil {
		t.Error("expected out of range error")
	}
	if err := b.Fire(context.Background(), 2, time.Millisecond); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
