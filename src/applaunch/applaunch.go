// Package applaunch starts desktop applications from a fixed keyword
// allow-list. Free-form launch is deliberately unsupported: anything outside
// the table must go through the explicit /sh path.
package applaunch

import (
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"sort"
	"strings"
)

// Built-in keyword tables per OS. "notepad" is intentionally present:
// operators rely on /open notepad as the end-to-end smoke test. Extend or
// override per machine via APP_ALLOWLIST.
var builtinApps = map[string]map[string]string{
	"windows": {
		"chrome":     "start chrome",
		"vscode":     "start code",
		"notepad":    "start notepad",
		"explorer":   "start explorer",
		"terminal":   "start wt",
		"powershell": "start powershell",
	},
	"darwin": {
		"chrome":   "open -a 'Google Chrome'",
		"vscode":   "open -a 'Visual Studio Code'",
		"notepad":  "open -a TextEdit",
		"explorer": "open .",
		"terminal": "open -a Terminal",
	},
	"linux": {
		"chrome":   "google-chrome",
		"vscode":   "code",
		"notepad":  "gedit",
		"explorer": "xdg-open .",
		"terminal": "x-terminal-emulator",
	},
}

// UnknownAppError reports a keyword outside the allow-list.
type UnknownAppError struct {
	Keyword string
	Allowed []string
}

func (e *UnknownAppError) Error() string {
	return fmt.Sprintf("unsupported app %q; allowed: %s", e.Keyword, strings.Join(e.Allowed, ", "))
}

// Launcher resolves app keywords and starts them detached.
type Launcher struct {
	apps map[string]string
	// start is swappable for tests.
	start func(command string) error
}

// New builds a launcher from the current OS table plus operator overrides.
func New(overrides map[string]string) *Launcher {
	apps := make(map[string]string)
	for k, v := range builtinApps[runtime.GOOS] {
		apps[k] = v
	}
	for k, v := range overrides {
		apps[k] = v
	}
	return &Launcher{apps: apps, start: startDetached}
}

// Open launches the app for a keyword and returns the resolved launch
// command for the result log.
func (l *Launcher) Open(keyword string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(keyword))
	command, ok := l.apps[key]
	if !ok {
		return "", &UnknownAppError{Keyword: keyword, Allowed: l.Allowed()}
	}
	if err := l.start(command); err != nil {
		return "", fmt.Errorf("failed to launch %q (%s): %w", key, command, err)
	}
	log.Printf("Opened app %q via %q", key, command)
	return command, nil
}

// Allowed returns the sorted keyword list for error messages.
func (l *Launcher) Allowed() []string {
	keys := make([]string, 0, len(l.apps))
	for k := range l.apps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// startDetached runs the launch command through the shell without waiting:
// the launched app outlives the command handler.
func startDetached(command string) error {
	shell, flag := "sh", "-c"
	if runtime.GOOS == "windows" {
		shell, flag = "cmd", "/C"
	}
	return exec.Command(shell, flag, command).Start()
}
