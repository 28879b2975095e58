package flame

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
)

// ErrNoSequences is returned when a script registers no sequences.
var ErrNoSequences = errors.New("script registered no sequences")

type scriptSequence struct {
	name string
	fn   *lua.LFunction
}

// Script is a sequence set defined in Lua. The script registers sequences with
// flame.sequence(name, fn); each fn receives a board table when run.
//
// Selection is round-robin in registration order. All Lua access is
// serialized, the VM is not safe for concurrent use.
type Script struct {
	mu        sync.Mutex
	L         *lua.LState
	sequences []scriptSequence
	current   int
}

// LoadScript runs the script at path and collects its sequences.
func LoadScript(path string) (*Script, error) {
	return load(func(L *lua.LState) error { return L.DoFile(path) }, path)
}

// LoadScriptString is LoadScript for inline source.
func LoadScriptString(src string) (*Script, error) {
	return load(func(L *lua.LState) error { return L.DoString(src) }, "<string>")
}

func load(run func(*lua.LState) error, name string) (*Script, error) {
	s := &Script{L: lua.NewState()}

	s.L.PreloadModule("flame", s.flameLoader)
	s.L.PreloadModule("log", NewLogModule().Loader)

	if err := run(s.L); err != nil {
		s.L.Close()
		return nil, fmt.Errorf("failed to load sequence script %s: %w", name, err)
	}
	if len(s.sequences) == 0 {
		s.L.Close()
		return nil, fmt.Errorf("%s: %w", name, ErrNoSequences)
	}

	names := make([]string, len(s.sequences))
	for i, seq := range s.sequences {
		names[i] = seq.name
	}
	log.Info().Str("script", name).Strs("sequences", names).Msg("Loaded flame sequences")

	return s, nil
}

// Selection returns the sequence that will run on the next firing.
func (s *Script) Selection() Sequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Sequence{Index: s.current, Name: s.sequences[s.current].name}
}

// Advance moves the selection to the next sequence, wrapping around.
func (s *Script) Advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = (s.current + 1) % len(s.sequences)
}

// Len returns the number of registered sequences.
func (s *Script) Len() int {
	return len(s.sequences)
}

// Run executes seq against board. It blocks until the sequence completes,
// fails, or ctx is cancelled.
func (s *Script) Run(ctx context.Context, seq Sequence, board Board) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq.Index < 0 || seq.Index >= len(s.sequences) {
		return fmt.Errorf("unknown sequence %s", seq)
	}
	fn := s.sequences[seq.Index].fn

	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	err := s.L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, s.boardTable(ctx, board))
	if err != nil {
		return fmt.Errorf("sequence %s failed: %w", seq, err)
	}
	return nil
}

// Close releases the Lua VM.
func (s *Script) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.L.Close()
}

func (s *Script) flameLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "sequence", L.NewFunction(s.register))
	L.Push(mod)
	return 1
}

// register implements flame.sequence(name, fn).
func (s *Script) register(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)

	for _, seq := range s.sequences {
		if seq.name == name {
			L.ArgError(1, fmt.Sprintf("sequence %q already defined", name))
			return 0
		}
	}

	s.sequences = append(s.sequences, scriptSequence{name: name, fn: fn})
	return 0
}

// boardTable exposes board to Lua as board.fire(ch, ms), board.sleep(ms)
// and board.channels().
func (s *Script) boardTable(ctx context.Context, board Board) *lua.LTable {
	L := s.L
	tbl := L.NewTable()

	L.SetField(tbl, "fire", L.NewFunction(func(L *lua.LState) int {
		channel := L.CheckInt(1)
		ms := L.CheckInt(2)
		if err := board.Fire(ctx, channel, time.Duration(ms)*time.Millisecond); err != nil {
			L.RaiseError("fire channel %d: %s", channel, err.Error())
		}
		return 0
	}))

	L.SetField(tbl, "sleep", L.NewFunction(func(L *lua.LState) int {
		ms := L.CheckInt(1)
		select {
		case <-ctx.Done():
			L.RaiseError("sleep interrupted: %s", ctx.Err().Error())
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
		return 0
	}))

	L.SetField(tbl, "channels", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(board.Channels()))
		return 1
	}))

	return tbl
}
