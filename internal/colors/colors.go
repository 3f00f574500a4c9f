// Package colors provides terminal color support for settingsync output.
package colors

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/javanhut/settingsync/internal/snapshot"
)

// ANSI color codes
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorDim   = "\033[2m"
	ColorGray  = "\033[90m"

	BrightRed    = "\033[91m"
	BrightGreen  = "\033[92m"
	BrightYellow = "\033[93m"
	BrightBlue   = "\033[94m"
	BrightCyan   = "\033[96m"
)

var colorEnabled = shouldUseColor()

// shouldUseColor determines if the terminal supports colors
func shouldUseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}

	term := strings.ToLower(os.Getenv("TERM"))
	if runtime.GOOS == "windows" {
		return os.Getenv("WT_SESSION") != "" || os.Getenv("VSCODE_PID") != "" ||
			strings.Contains(term, "color") || strings.Contains(term, "xterm")
	}
	if term == "dumb" || term == "" {
		return false
	}
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		return (fileInfo.Mode() & os.ModeCharDevice) != 0
	}
	return true
}

// SetColorEnabled allows manual control of color output
func SetColorEnabled(enabled bool) {
	colorEnabled = enabled
}

func IsColorEnabled() bool {
	return colorEnabled
}

func colorize(text, color string) string {
	if !colorEnabled {
		return text
	}
	return color + text + ColorReset
}

func Red(text string) string    { return colorize(text, BrightRed) }
func Green(text string) string  { return colorize(text, BrightGreen) }
func Blue(text string) string   { return colorize(text, BrightBlue) }
func Yellow(text string) string { return colorize(text, BrightYellow) }
func Cyan(text string) string   { return colorize(text, BrightCyan) }
func Gray(text string) string   { return colorize(text, ColorGray) }
func Bold(text string) string   { return colorize(text, ColorBold) }
func Dim(text string) string    { return colorize(text, ColorDim) }

// FileState renders a file state with a colored M or D prefix.
func FileState(st snapshot.FileState, size string) string {
	if st.IsDeleted() {
		return fmt.Sprintf("  %s  %s", Red("D"), Red(st.Path))
	}
	return fmt.Sprintf("  %s  %s %s", Blue("M"), st.Path, Gray(size))
}

// Branch colors a branch position line; positions equal to master are green.
func Branch(name, pos string, inSync bool) string {
	if inSync {
		return fmt.Sprintf("  %-7s %s", name, Green(pos))
	}
	return fmt.Sprintf("  %-7s %s", name, Yellow(pos))
}

// Section headers with colors
func SectionHeader(text string) string {
	return Bold(text)
}

func ErrorText(text string) string {
	return Red(text)
}

func SuccessText(text string) string {
	return Green(text)
}

func InfoText(text string) string {
	return Cyan(text)
}

func WarningText(text string) string {
	return Yellow(text)
}
