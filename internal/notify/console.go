package notify

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/wesleyorama2/loadrunner/internal/output"
)

// Console prints notifications as coloured status lines.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	scheme *output.ColorScheme
	now    func() time.Time
}

// NewConsole creates a console emitter writing to w. Colour is disabled when
// noColor is set or when w is not a terminal.
func NewConsole(w io.Writer, noColor bool) *Console {
	if w == nil {
		w = os.Stdout
	}
	if f, ok := w.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
		noColor = true
	}

	scheme := output.DefaultColorScheme()
	if noColor {
		scheme = output.NoColorScheme()
	}
	return &Console{w: w, scheme: scheme, now: time.Now}
}

// Emit writes a single line for n.
func (c *Console) Emit(n Notification) {
	line := fmt.Sprintf("%s %s %s",
		c.scheme.Timestamp.Sprint(c.now().Format("15:04:05")),
		c.scheme.Project.Sprint(n.ProjectID),
		c.statusColor(n.Status).Sprint(string(n.Status)))
	if n.Timestamp != "" {
		line += " " + c.scheme.Timestamp.Sprint("("+n.Timestamp+")")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, line)
}

func (c *Console) statusColor(s Status) *color.Color {
	switch s {
	case StatusCompleted, StatusHCDReady, StatusProfilingReady:
		return c.scheme.Success
	case StatusCancelling, StatusCancelled, StatusOldMetrics:
		return c.scheme.Warning
	case StatusProfilingFail:
		return c.scheme.Error
	default:
		return c.scheme.Progress
	}
}
