package output

import (
	"github.com/fatih/color"
)

// ColorScheme defines the colors used for different elements in the output
type ColorScheme struct {
	Timestamp *color.Color
	Project   *color.Color
	Progress  *color.Color
	Success   *color.Color
	Warning   *color.Color
	Error     *color.Color
	Key       *color.Color
	Value     *color.Color
	Highlight *color.Color
}

// DefaultColorScheme returns the default color scheme
func DefaultColorScheme() *ColorScheme {
	return &ColorScheme{
		Timestamp: color.New(color.FgHiBlack),
		Project:   color.New(color.FgCyan),
		Progress:  color.New(color.FgBlue, color.Bold),
		Success:   color.New(color.FgGreen, color.Bold),
		Warning:   color.New(color.FgYellow, color.Bold),
		Error:     color.New(color.FgRed, color.Bold),
		Key:       color.New(color.FgYellow),
		Value:     color.New(color.FgWhite),
		Highlight: color.New(color.FgMagenta, color.Bold),
	}
}

// NoColorScheme returns a color scheme with all colors disabled
func NoColorScheme() *ColorScheme {
	scheme := DefaultColorScheme()

	scheme.Timestamp.DisableColor()
	scheme.Project.DisableColor()
	scheme.Progress.DisableColor()
	scheme.Success.DisableColor()
	scheme.Warning.DisableColor()
	scheme.Error.DisableColor()
	scheme.Key.DisableColor()
	scheme.Value.DisableColor()
	scheme.Highlight.DisableColor()

	return scheme
}

// SuccessIcon returns a checkmark symbol with appropriate color
func SuccessIcon(noColor bool) string {
	if noColor {
		return "✓"
	}
	return color.New(color.FgGreen).Sprint("✓")
}

// ErrorIcon returns an X symbol with appropriate color
func ErrorIcon(noColor bool) string {
	if noColor {
		return "✗"
	}
	return color.New(color.FgRed).Sprint("✗")
}

// InfoIcon returns an info symbol with appropriate color
func InfoIcon(noColor bool) string {
	if noColor {
		return "ℹ"
	}
	return color.New(color.FgBlue).Sprint("ℹ")
}

// WarningIcon returns a warning symbol with appropriate color
func WarningIcon(noColor bool) string {
	if noColor {
		return "⚠"
	}
	return color.New(color.FgYellow).Sprint("⚠")
}
