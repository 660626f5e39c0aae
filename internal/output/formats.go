package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// OutputFormat represents the available output formats
type OutputFormat string

const (
	// FormatText is the default human-readable text format
	FormatText OutputFormat = "text"
	// FormatJSON outputs in JSON format
	FormatJSON OutputFormat = "json"
	// FormatYAML outputs in YAML format
	FormatYAML OutputFormat = "yaml"
)

// ParseFormat converts a flag value into an OutputFormat.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(s)) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown output format: %s", s)
	}
}

// Field is a labelled value shown in text output.
type Field struct {
	Key   string
	Value interface{}
}

// Formatter renders structured values for the command line.
type Formatter struct {
	Format OutputFormat
	scheme *ColorScheme
}

// NewFormatter creates a formatter for the given format.
func NewFormatter(format OutputFormat, noColor bool) *Formatter {
	scheme := DefaultColorScheme()
	if noColor {
		scheme = NoColorScheme()
	}
	return &Formatter{Format: format, scheme: scheme}
}

// Write renders v. Text output prints the title followed by fields as
// aligned key/value lines; JSON and YAML serialise v itself.
func (f *Formatter) Write(w io.Writer, title string, fields []Field, v interface{}) error {
	switch f.Format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return f.writeText(w, title, fields)
	}
}

func (f *Formatter) writeText(w io.Writer, title string, fields []Field) error {
	width := 0
	for _, field := range fields {
		if len(field.Key) > width {
			width = len(field.Key)
		}
	}

	var sb strings.Builder
	if title != "" {
		sb.WriteString(f.scheme.Highlight.Sprint(title))
		sb.WriteString("\n")
	}
	for _, field := range fields {
		key := fmt.Sprintf("%-*s", width, field.Key)
		sb.WriteString(fmt.Sprintf("  %s  %s\n", f.scheme.Key.Sprint(key), f.scheme.Value.Sprint(field.Value)))
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
