package ptt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/d1nch8g/dictation/state"
)

// fakeRecorder drives a real state machine so debouncing is exercised
// against the actual transition rules.
type fakeRecorder struct {
	machine *state.Machine
	mu      sync.Mutex
	starts  int
	stops   int
}

func newRecorder() *fakeRecorder {
	return &fakeRecorder{machine: state.NewMachine(nil, nil)}
}

func (r *fakeRecorder) Start(string) error {
	r.mu.Lock()
	r.starts++
	r.mu.Unlock()
	if !r.machine.Start() {
		return errors.New("rejected")
	}
	return nil
}

func (r *fakeRecorder) StopAndProcess(context.Context) error {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
	if !r.machine.BeginProcessing() {
		return errors.New("rejected")
	}
	r.machine.SetResult(state.Transcript{Text: "ok"})
	return nil
}

func (r *fakeRecorder) State() state.State { return r.machine.State() }

func (r *fakeRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

type reporter struct {
	failures []state.Failure
}

func (r *reporter) PublishError(f state.Failure) { r.failures = append(r.failures, f) }

func TestEdgeDetector(t *testing.T) {
	var d EdgeDetector
	events := []bool{true, true, true, false, false, true, false}
	var edges []Edge
	for _, down := range events {
		if e, ok := d.Feed(down); ok {
			edges = append(edges, e)
		}
	}
	want := []Edge{Press, Release, Press, Release}
	if len(edges) != len(want) {
		t.Fatalf("Expected %v, got %v", want, edges)
	}
	for i := range want {
		if edges[i] != want[i] {
			t.Errorf("edge %d: expected %v, got %v", i, want[i], edges[i])
		}
	}
}

func TestHoldMode(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	c := NewController(rec, Hold, nil, nil, nil)

	// Auto-repeat while held produces one start.
	for i := 0; i < 5; i++ {
		c.HandleKey(ctx, true)
	}
	if s := rec.State(); s != state.Recording {
		t.Fatalf("Expected recording, got %v", s)
	}
	c.HandleKey(ctx, false)
	if s := rec.State(); s != state.Result {
		t.Fatalf("Expected result, got %v", s)
	}
	if starts, stops := rec.counts(); starts != 1 || stops != 1 {
		t.Errorf("Expected 1 start and 1 stop, got %d and %d", starts, stops)
	}
}

func TestDebounce(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	c := NewController(rec, Hold, nil, nil, nil)

	// Release without a recording is ignored.
	c.HandleEdge(ctx, Release)
	if _, stops := rec.counts(); stops != 0 {
		t.Errorf("Expected release while idle to be ignored")
	}

	c.HandleEdge(ctx, Press)
	c.HandleEdge(ctx, Press)
	if starts, _ := rec.counts(); starts != 1 {
		t.Errorf("Expected press while recording to be ignored, got %d starts", starts)
	}

	rec.machine.BeginProcessing()
	c.HandleEdge(ctx, Press)
	c.HandleEdge(ctx, Release)
	if starts, stops := rec.counts(); starts != 1 || stops != 0 {
		t.Errorf("Expected edges while processing to be ignored, got %d starts %d stops", starts, stops)
	}
}

func TestToggleMode(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	c := NewController(rec, Toggle, nil, nil, nil)

	c.HandleKey(ctx, true)
	c.HandleKey(ctx, false)
	if s := rec.State(); s != state.Recording {
		t.Fatalf("Expected release to be ignored in toggle mode, got %v", s)
	}
	c.HandleKey(ctx, true)
	if s := rec.State(); s != state.Result {
		t.Fatalf("Expected second press to stop, got %v", s)
	}
	c.Tap(ctx)
	if s := rec.State(); s != state.Recording {
		t.Errorf("Expected tap to start a new recording, got %v", s)
	}
}

func TestBindConflict(t *testing.T) {
	rec := newRecorder()
	rep := &reporter{}
	c := NewController(rec, Hold, NewBindingTable(DefaultReserved()...), rep, nil)

	if _, err := c.Bind("ctrl+shift+space"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	rec.machine.Start()

	_, err := c.Bind("ctrl+c")
	if !errors.Is(err, ErrHotkeyConflict) {
		t.Fatalf("Expected ErrHotkeyConflict, got %v", err)
	}
	if len(rep.failures) != 1 || rep.failures[0].Kind != state.HotkeyConflict {
		t.Fatalf("Expected one conflict warning, got %v", rep.failures)
	}
	if s := rec.State(); s != state.Recording {
		t.Errorf("Expected conflict to leave recording state alone, got %v", s)
	}
	if b, _ := c.Binding(); b.String() != "ctrl+shift+space" {
		t.Errorf("Expected previous binding to stay active, got %s", b)
	}
}

func TestRebindReleasesPrevious(t *testing.T) {
	table := NewBindingTable()
	c := NewController(newRecorder(), Hold, table, nil, nil)

	first, _ := c.Bind("f9")
	if _, err := c.Bind("f10"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, ok := table.Owner(first); ok {
		t.Error("Expected previous binding to be released")
	}
	if _, err := c.Bind("not+a+key"); err == nil {
		t.Error("Expected invalid binding to fail")
	}
}

func TestLineSource(t *testing.T) {
	rec := newRecorder()
	c := NewController(rec, Hold, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := LineSource{Reader: strings.NewReader("\n\n\n")}.Run(ctx, c)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if starts, stops := rec.counts(); starts != 2 || stops != 1 {
		t.Errorf("Expected start, stop, start; got %d starts %d stops", starts, stops)
	}
	if s := rec.State(); s != state.Recording {
		t.Errorf("Expected recording after three taps, got %v", s)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("Toggle"); err != nil || m != Toggle {
		t.Errorf("Expected toggle, got %v, %v", m, err)
	}
	if m, err := ParseMode(""); err != nil || m != Hold {
		t.Errorf("Expected hold default, got %v, %v", m, err)
	}
	if _, err := ParseMode("sticky"); err == nil {
		t.Error("Expected unknown mode to fail")
	}
}
