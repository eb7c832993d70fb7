// Package ptt turns push-to-talk input into recording commands. Raw key or
// button events pass through an EdgeDetector; the Controller maps the
// resulting press and release edges onto the recorder.
package ptt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/d1nch8g/dictation/state"
)

// Mode selects how edges map to commands.
type Mode int

const (
	// Hold records while the key is down.
	Hold Mode = iota
	// Toggle starts on one press and stops on the next.
	Toggle
)

func (m Mode) String() string {
	if m == Toggle {
		return "toggle"
	}
	return "hold"
}

// ParseMode parses "hold" or "toggle".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hold":
		return Hold, nil
	case "toggle":
		return Toggle, nil
	}
	return Hold, fmt.Errorf("unknown push-to-talk mode %q (allowed: hold, toggle)", s)
}

// Recorder is the command surface the controller drives.
type Recorder interface {
	Start(deviceID string) error
	StopAndProcess(ctx context.Context) error
	State() state.State
}

// Reporter receives warnings that do not change recording state.
type Reporter interface {
	PublishError(f state.Failure)
}

// Edge is a normalized input transition.
type Edge int

const (
	Press Edge = iota
	Release
)

// EdgeDetector collapses raw down/up events into edges. Key auto-repeat
// produces repeated downs; only the first one is a Press.
type EdgeDetector struct {
	mu   sync.Mutex
	down bool
}

// Feed reports the edge produced by a raw event, if any.
func (d *EdgeDetector) Feed(down bool) (Edge, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if down == d.down {
		return 0, false
	}
	d.down = down
	if down {
		return Press, true
	}
	return Release, true
}

const owner = "push-to-talk"

// Controller maps push-to-talk input onto a Recorder.
type Controller struct {
	rec      Recorder
	mode     Mode
	table    *BindingTable
	reporter Reporter
	logger   *slog.Logger

	edges EdgeDetector

	mu      sync.Mutex
	binding Binding
	bound   bool
}

// NewController returns a controller. table and reporter may be nil.
func NewController(rec Recorder, mode Mode, table *BindingTable, reporter Reporter, logger *slog.Logger) *Controller {
	if table == nil {
		table = NewBindingTable(DefaultReserved()...)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		rec:      rec,
		mode:     mode,
		table:    table,
		reporter: reporter,
		logger:   logger.With(slog.String("component", "ptt")),
	}
}

// Bind claims the key combination combo for push-to-talk. A combination
// owned by someone else is reported as a HotkeyConflict warning and the
// previous binding stays active.
func (c *Controller) Bind(combo string) (Binding, error) {
	b, err := ParseBinding(combo)
	if err != nil {
		return Binding{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.table.Register(owner, b); err != nil {
		c.logger.Warn("hotkey conflict", slog.String("binding", b.String()), slog.Any("error", err))
		if c.reporter != nil {
			c.reporter.PublishError(state.Failure{Kind: state.HotkeyConflict, Message: err.Error()})
		}
		return Binding{}, err
	}
	if c.bound && c.binding != b {
		c.table.Release(owner, c.binding)
	}
	c.binding, c.bound = b, true
	c.logger.Info("hotkey bound", slog.String("binding", b.String()), slog.String("mode", c.mode.String()))
	return b, nil
}

// Binding returns the active binding.
func (c *Controller) Binding() (Binding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binding, c.bound
}

// HandleKey feeds a raw down/up event of the bound key.
func (c *Controller) HandleKey(ctx context.Context, down bool) error {
	edge, ok := c.edges.Feed(down)
	if !ok {
		return nil
	}
	return c.HandleEdge(ctx, edge)
}

// HandleEdge applies a normalized edge.
func (c *Controller) HandleEdge(ctx context.Context, edge Edge) error {
	if c.mode == Toggle {
		if edge == Press {
			return c.Tap(ctx)
		}
		return nil
	}
	if edge == Press {
		return c.press()
	}
	return c.release(ctx)
}

// Tap starts a recording, or stops the live one.
func (c *Controller) Tap(ctx context.Context) error {
	if c.rec.State() == state.Recording {
		return c.release(ctx)
	}
	return c.press()
}

func (c *Controller) press() error {
	if s := c.rec.State(); s == state.Recording || s == state.Processing {
		c.logger.Debug("press ignored", slog.String("state", s.String()))
		return nil
	}
	return c.rec.Start("")
}

func (c *Controller) release(ctx context.Context) error {
	if s := c.rec.State(); s != state.Recording {
		c.logger.Debug("release ignored", slog.String("state", s.String()))
		return nil
	}
	return c.rec.StopAndProcess(ctx)
}

// LineSource taps a controller once per line read. It stands in for a
// platform key hook on a terminal.
type LineSource struct {
	Reader io.Reader
}

// Run reads until EOF or ctx is done. Command errors are logged and do not
// end the loop.
func (l LineSource) Run(ctx context.Context, c *Controller) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(l.Reader)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read trigger input: %w", err)
			}
			return nil
		case <-lines:
			if err := c.Tap(ctx); err != nil {
				c.logger.Warn("tap failed", slog.Any("error", err))
			}
		}
	}
}
