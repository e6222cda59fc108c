// Package hotkey watches for the global stop combination. The agent moves
// the operator's mouse and types into their windows; when automation goes
// wrong the keyboard is the only input surface left, so the kill switch has
// to live at the OS hook level rather than inside any window.
package hotkey

import (
	"log"
	"strconv"
	"strings"
	"sync"

	gohook "github.com/robotn/gohook"

	"server-vibe-agent/src/driver"
)

// rawcodes maps normalized key names to Windows virtual-key codes. Modifiers
// list both their left and right variants.
var rawcodes = map[string][]uint16{
	"ctrl":  {162, 163},
	"alt":   {164, 165},
	"shift": {160, 161},
	"cmd":   {91, 92},

	"space": {32}, "enter": {13}, "esc": {27}, "tab": {9},
	"backspace": {8}, "delete": {46}, "insert": {45},
	"home": {36}, "end": {35}, "pageup": {33}, "pagedown": {34},
	"left": {37}, "up": {38}, "right": {39}, "down": {40},
}

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		rawcodes[string(c)] = []uint16{uint16(c - 'a' + 'A')}
	}
	for c := byte('0'); c <= '9'; c++ {
		rawcodes[string(c)] = []uint16{uint16(c)}
	}
	for i := uint16(1); i <= 24; i++ {
		rawcodes["f"+strconv.Itoa(int(i))] = []uint16{111 + i}
	}
}

// normalize folds the aliases the key map does not carry directly.
func normalize(name string) string {
	switch name {
	case "win", "super":
		return "cmd"
	case "return":
		return "enter"
	case "escape":
		return "esc"
	case "del":
		return "delete"
	case "ins":
		return "insert"
	case "pgup":
		return "pageup"
	case "pgdn":
		return "pagedown"
	default:
		return name
	}
}

// Codes resolves a key name to its rawcodes; nil when unknown.
func Codes(name string) []uint16 {
	return rawcodes[normalize(strings.ToLower(strings.TrimSpace(name)))]
}

type keyState struct {
	name    string
	codes   []uint16
	pressed bool
}

// ListenStop registers the stop combination and invokes stop once when every
// key in the combination is held. It runs the OS hook in a goroutine and
// returns immediately; an unmappable combination is logged and ignored
// rather than blocking startup.
func ListenStop(spec string, stop func()) {
	var states []keyState
	for _, name := range driver.ParseHotkey(spec) {
		codes := Codes(name)
		if codes == nil {
			log.Printf("Stop hotkey: unknown key %q in %q", name, spec)
			continue
		}
		states = append(states, keyState{name: name, codes: codes})
	}
	if len(states) == 0 {
		log.Printf("Stop hotkey %q has no mappable keys, kill switch disabled", spec)
		return
	}
	log.Printf("Stop hotkey armed: %s", spec)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Stop hotkey listener panicked: %v", r)
			}
		}()

		evChan := gohook.Start()
		if evChan == nil {
			log.Printf("Stop hotkey: OS hook unavailable")
			return
		}
		defer gohook.End()

		var mu sync.Mutex
		for ev := range evChan {
			switch ev.Kind {
			case gohook.KeyDown:
				mu.Lock()
				mark(states, ev.Rawcode, true)
				all := allPressed(states)
				if all {
					for i := range states {
						states[i].pressed = false
					}
				}
				mu.Unlock()
				if all {
					log.Printf("Stop hotkey pressed (%s)", spec)
					stop()
					return
				}
			case gohook.KeyUp:
				mu.Lock()
				mark(states, ev.Rawcode, false)
				mu.Unlock()
			}
		}
	}()
}

func mark(states []keyState, rawcode uint16, down bool) {
	for i := range states {
		for _, code := range states[i].codes {
			if code == rawcode {
				states[i].pressed = down
				return
			}
		}
	}
}

func allPressed(states []keyState) bool {
	for i := range states {
		if !states[i].pressed {
			return false
		}
	}
	return true
}
