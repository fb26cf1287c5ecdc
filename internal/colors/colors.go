// Package colors provides terminal color support for ivg output.
//
// Object states, lock markers and section headers share one color scheme. Colors are
// disabled automatically when stdout is not a terminal, when NO_COLOR is set or when TERM
// is "dumb"; FORCE_COLOR overrides the detection.
package colors

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/javanhut/Ivaldi-graph/internal/fsm"
)

// ANSI color codes
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorDim   = "\033[2m"

	ColorGray     = "\033[90m"
	BrightRed     = "\033[91m"
	BrightGreen   = "\033[92m"
	BrightYellow  = "\033[93m"
	BrightBlue    = "\033[94m"
	BrightMagenta = "\033[95m"
	BrightCyan    = "\033[96m"
)

var colorEnabled = shouldUseColor(os.Getenv, func() bool { return term.IsTerminal(int(os.Stdout.Fd())) })

// shouldUseColor decides from the environment and whether stdout is a terminal.
func shouldUseColor(getenv func(string) string, isTerminal func() bool) bool {
	if getenv("NO_COLOR") != "" {
		return false
	}
	if getenv("FORCE_COLOR") != "" {
		return true
	}
	if t := strings.ToLower(getenv("TERM")); t == "dumb" {
		return false
	}
	return isTerminal()
}

// SetColorEnabled allows manual control of color output
func SetColorEnabled(enabled bool) {
	colorEnabled = enabled
}

// IsColorEnabled returns whether colors are currently enabled
func IsColorEnabled() bool {
	return colorEnabled
}

func colorize(text, color string) string {
	if !colorEnabled {
		return text
	}
	return color + text + ColorReset
}

func Red(text string) string     { return colorize(text, BrightRed) }
func Green(text string) string   { return colorize(text, BrightGreen) }
func Blue(text string) string    { return colorize(text, BrightBlue) }
func Yellow(text string) string  { return colorize(text, BrightYellow) }
func Cyan(text string) string    { return colorize(text, BrightCyan) }
func Magenta(text string) string { return colorize(text, BrightMagenta) }
func Gray(text string) string    { return colorize(text, ColorGray) }
func Bold(text string) string    { return colorize(text, ColorBold) }
func Dim(text string) string     { return colorize(text, ColorDim) }

// State colors an object state: green for committed content, blue for pending changes,
// red for conflicts and removed objects, gray for placeholders.
func State(s fsm.State) string {
	text := s.String()
	switch s {
	case fsm.Clean:
		return Green(text)
	case fsm.New:
		return Cyan(text)
	case fsm.Dirty:
		return Blue(text)
	case fsm.Conflict, fsm.InvalidConflict, fsm.Invalid:
		return Red(text)
	case fsm.Proxy, fsm.Transient, fsm.Prepared:
		return Gray(text)
	}
	return text
}

// StatePrefix is the one-letter marker of a state in listings.
func StatePrefix(s fsm.State) string {
	switch s {
	case fsm.New:
		return Cyan("A")
	case fsm.Dirty:
		return Blue("M")
	case fsm.Conflict, fsm.InvalidConflict:
		return Red("C")
	case fsm.Invalid:
		return Red("D")
	}
	return " "
}

// LockMarker renders who holds a lock: "W" or "R" for the caller, lower case for others.
func LockMarker(write, read, mine bool) string {
	switch {
	case write && mine:
		return Magenta("W")
	case write:
		return Yellow("w")
	case read && mine:
		return Magenta("R")
	case read:
		return Yellow("r")
	}
	return "-"
}

// ColorizeObject formats one listing line for an object.
func ColorizeObject(s fsm.State, id, class, summary string) string {
	return fmt.Sprintf("  %s  %s %s %s", StatePrefix(s), Bold(id), Dim(class), summary)
}

func SectionHeader(text string) string { return Bold(text) }
func ErrorText(text string) string     { return Red(text) }
func SuccessText(text string) string   { return Green(text) }
func InfoText(text string) string      { return Cyan(text) }
func WarningText(text string) string   { return Yellow(text) }
