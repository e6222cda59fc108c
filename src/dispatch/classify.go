// Package dispatch turns queued command text into handler invocations and
// runs the claim/execute/finalize lifecycle around them.
package dispatch

import (
	"fmt"
	"strings"

	"server-vibe-agent/src/ide"
)

// Kind is the handler family a command routes to.
type Kind int

const (
	// KindInvalid covers empty text and unknown slash verbs. Nothing runs;
	// the command finalizes as an error carrying Reason.
	KindInvalid Kind = iota
	KindShell
	KindCapture
	KindOpenApp
	KindPos
	KindIDEStatus
	KindIDEDebugScreen
	KindIDEDebugLocate
	KindIDELearn
	// KindRelay is the default: deliver the text to the IDE chat.
	KindRelay
)

func (k Kind) String() string {
	switch k {
	case KindShell:
		return "shell"
	case KindCapture:
		return "capture"
	case KindOpenApp:
		return "open"
	case KindPos:
		return "pos"
	case KindIDEStatus:
		return "ide-status"
	case KindIDEDebugScreen:
		return "ide-debug-screen"
	case KindIDEDebugLocate:
		return "ide-debug-locate"
	case KindIDELearn:
		return "ide-learn"
	case KindRelay:
		return "relay"
	default:
		return "invalid"
	}
}

// Action is one classified command.
type Action struct {
	Kind Kind
	// Arg is the handler argument: shell command line, app keyword, or the
	// relay prompt.
	Arg string
	// Target selects input or output for the locate and learn kinds.
	Target ide.TargetKind
	// Reason explains a KindInvalid classification.
	Reason string
}

func invalid(reason string) Action {
	return Action{Kind: KindInvalid, Reason: reason}
}

// Classify routes command text. Slash verbs are reserved: an unrecognized
// one is an error rather than a relay, so a typo like /shh never reaches the
// IDE chat as a prompt.
func Classify(text string) Action {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return invalid("empty command")
	}

	if !strings.HasPrefix(trimmed, "/") {
		// Bare whoami predates the /sh verb and stays supported.
		if strings.EqualFold(trimmed, "whoami") {
			return Action{Kind: KindShell, Arg: "whoami"}
		}
		return Action{Kind: KindRelay, Arg: trimmed}
	}

	verb, rest, _ := strings.Cut(trimmed, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "/sh":
		if rest == "" {
			return invalid("/sh requires a command, e.g. /sh dir")
		}
		return Action{Kind: KindShell, Arg: rest}
	case "/capture":
		return Action{Kind: KindCapture}
	case "/open":
		if rest == "" {
			return invalid("/open requires an app keyword, e.g. /open notepad")
		}
		return Action{Kind: KindOpenApp, Arg: rest}
	case "/pos":
		return Action{Kind: KindPos}
	case "/ide":
		return classifyIDE(rest)
	default:
		return invalid(fmt.Sprintf("unknown command %s", verb))
	}
}

func classifyIDE(rest string) Action {
	fields := strings.Fields(strings.ToLower(rest))
	if len(fields) == 0 {
		return invalid("/ide requires a subcommand: status, debug screen, debug locate input|output, learn input|output")
	}
	switch fields[0] {
	case "status":
		return Action{Kind: KindIDEStatus}
	case "debug":
		if len(fields) >= 2 && fields[1] == "screen" {
			return Action{Kind: KindIDEDebugScreen}
		}
		if len(fields) >= 3 && fields[1] == "locate" {
			if target, ok := parseTargetKind(fields[2]); ok {
				return Action{Kind: KindIDEDebugLocate, Target: target}
			}
		}
		return invalid("/ide debug supports: screen, locate input, locate output")
	case "learn":
		if len(fields) >= 2 {
			if target, ok := parseTargetKind(fields[1]); ok {
				return Action{Kind: KindIDELearn, Target: target}
			}
		}
		return invalid("/ide learn supports: input, output")
	default:
		return invalid(fmt.Sprintf("unknown /ide subcommand %q", fields[0]))
	}
}

func parseTargetKind(word string) (ide.TargetKind, bool) {
	switch word {
	case "input":
		return ide.TargetInput, true
	case "output":
		return ide.TargetOutput, true
	default:
		return "", false
	}
}
