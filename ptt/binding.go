package ptt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ErrHotkeyConflict is returned when a binding is already owned elsewhere.
var ErrHotkeyConflict = errors.New("hotkey binding conflict")

// Modifier is a set of modifier keys.
type Modifier uint8

const (
	ModAlt Modifier = 1 << iota
	ModCtrl
	ModShift
	ModSuper
)

// Binding is a key combination such as ctrl+shift+space.
type Binding struct {
	Mods Modifier
	Key  string
}

func (b Binding) String() string {
	var parts []string
	if b.Mods&ModCtrl != 0 {
		parts = append(parts, "ctrl")
	}
	if b.Mods&ModAlt != 0 {
		parts = append(parts, "alt")
	}
	if b.Mods&ModShift != 0 {
		parts = append(parts, "shift")
	}
	if b.Mods&ModSuper != 0 {
		parts = append(parts, "super")
	}
	return strings.Join(append(parts, b.Key), "+")
}

// ParseBinding parses "mod+mod+key". Names are case-insensitive and
// aliases are normalized, so "Control+Return" equals "ctrl+enter".
func ParseBinding(s string) (Binding, error) {
	if strings.TrimSpace(s) == "" {
		return Binding{}, fmt.Errorf("empty key")
	}
	parts := strings.Split(s, "+")
	for i := range parts {
		parts[i] = strings.TrimSpace(strings.ToLower(parts[i]))
	}

	var b Binding
	for _, p := range parts[:len(parts)-1] {
		switch p {
		case "alt", "menu", "option":
			b.Mods |= ModAlt
		case "ctrl", "control":
			b.Mods |= ModCtrl
		case "shift":
			b.Mods |= ModShift
		case "win", "meta", "super", "cmd":
			b.Mods |= ModSuper
		default:
			return Binding{}, fmt.Errorf("unknown modifier %q in %q", p, s)
		}
	}

	key, err := parseKey(parts[len(parts)-1])
	if err != nil {
		return Binding{}, fmt.Errorf("invalid hotkey %q: %w", s, err)
	}
	b.Key = key
	return b, nil
}

func parseKey(k string) (string, error) {
	if len(k) == 1 {
		ch := k[0]
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			return k, nil
		}
	}
	switch k {
	case "esc", "escape":
		return "esc", nil
	case "enter", "return":
		return "enter", nil
	case "space", "tab", "backspace", "delete", "insert", "home", "end",
		"pageup", "pagedown", "capslock", "pause", "scrolllock":
		return k, nil
	case "del":
		return "delete", nil
	}
	if n, ok := strings.CutPrefix(k, "f"); ok {
		if i, err := strconv.Atoi(n); err == nil && i >= 1 && i <= 24 {
			return k, nil
		}
	}
	for _, prefix := range []string{"numpad", "num", "kp"} {
		if n, ok := strings.CutPrefix(k, prefix); ok && len(n) == 1 && n[0] >= '0' && n[0] <= '9' {
			return "numpad" + n, nil
		}
	}
	if k == "" {
		return "", fmt.Errorf("missing key")
	}
	return "", fmt.Errorf("unknown key %q", k)
}

// SystemOwner owns the reserved bindings of a BindingTable.
const SystemOwner = "system"

// DefaultReserved lists combinations the operating system or common
// editing shortcuts already claim.
func DefaultReserved() []Binding {
	return []Binding{
		{Mods: ModCtrl, Key: "c"},
		{Mods: ModCtrl, Key: "v"},
		{Mods: ModCtrl, Key: "x"},
		{Mods: ModCtrl, Key: "z"},
		{Mods: ModCtrl, Key: "a"},
		{Mods: ModAlt, Key: "tab"},
		{Mods: ModAlt, Key: "f4"},
		{Mods: ModCtrl | ModAlt, Key: "delete"},
		{Mods: ModSuper, Key: "l"},
		{Mods: ModSuper, Key: "space"},
	}
}

// BindingTable tracks which owner holds each key combination.
type BindingTable struct {
	mu     sync.Mutex
	owners map[Binding]string
}

// NewBindingTable returns a table with reserved owned by SystemOwner.
func NewBindingTable(reserved ...Binding) *BindingTable {
	t := &BindingTable{owners: make(map[Binding]string)}
	for _, b := range reserved {
		t.owners[b] = SystemOwner
	}
	return t
}

// Register claims b for owner. Re-registering an owned binding succeeds.
func (t *BindingTable) Register(owner string, b Binding) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.owners[b]; ok && cur != owner {
		return fmt.Errorf("%w: %s is already bound by %s", ErrHotkeyConflict, b, cur)
	}
	t.owners[b] = owner
	return nil
}

// Release drops owner's claim on b.
func (t *BindingTable) Release(owner string, b Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owners[b] == owner {
		delete(t.owners, b)
	}
}

// Owner returns who holds b.
func (t *BindingTable) Owner(b Binding) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	owner, ok := t.owners[b]
	return owner, ok
}
