package applaunch

import (
	"errors"
	"testing"
)

func newFakeLauncher(overrides map[string]string) (*Launcher, *[]string) {
	l := New(overrides)
	var started []string
	l.start = func(command string) error {
		started = append(started, command)
		return nil
	}
	return l, &started
}

func TestOpenKnownKeyword(t *testing.T) {
	l, started := newFakeLauncher(nil)

	action, err := l.Open("notepad")
	if err != nil {
		t.Fatalf("Expected notepad to be in the allow-list: %v", err)
	}
	if action == "" {
		t.Error("Expected resolved launch command in result")
	}
	if len(*started) != 1 || (*started)[0] != action {
		t.Errorf("Expected one launch of %q, got %v", action, *started)
	}
}

func TestOpenIsCaseInsensitive(t *testing.T) {
	l, _ := newFakeLauncher(nil)
	if _, err := l.Open("  Chrome "); err != nil {
		t.Errorf("Expected trimmed case-insensitive lookup, got %v", err)
	}
}

func TestOpenUnknownKeyword(t *testing.T) {
	l, started := newFakeLauncher(nil)

	_, err := l.Open("definitely-not-an-app")
	if err == nil {
		t.Fatal("Expected error for unknown keyword")
	}
	var unknown *UnknownAppError
	if !errors.As(err, &unknown) {
		t.Fatalf("Expected UnknownAppError, got %T: %v", err, err)
	}
	if len(unknown.Allowed) == 0 {
		t.Error("Expected allowed list in error")
	}
	if len(*started) != 0 {
		t.Errorf("Unknown keyword must not launch anything, got %v", *started)
	}
}

func TestOverridesExtendAllowlist(t *testing.T) {
	l, started := newFakeLauncher(map[string]string{"gimp": "gimp"})

	action, err := l.Open("gimp")
	if err != nil {
		t.Fatalf("Expected override to be honored: %v", err)
	}
	if action != "gimp" || len(*started) != 1 {
		t.Errorf("Expected gimp launch, got action=%q started=%v", action, *started)
	}
}

func TestLaunchFailureSurfaces(t *testing.T) {
	l, _ := newFakeLauncher(nil)
	l.start = func(string) error { return errors.New("spawn failed") }

	if _, err := l.Open("terminal"); err == nil {
		t.Error("Expected launch failure to surface")
	}
}
