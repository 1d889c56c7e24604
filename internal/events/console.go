package events

import (
	"fmt"
	"io"

	"github.com/razelbuild/razel/internal/cache"
)

// ConsoleWriter prints one line per finished, skipped or retried command,
// and per started command when verbose.
type ConsoleWriter struct {
	out     io.Writer
	verbose bool
}

// NewConsoleWriter writes run progress to out.
func NewConsoleWriter(out io.Writer, verbose bool) *ConsoleWriter {
	return &ConsoleWriter{out: out, verbose: verbose}
}

func (w *ConsoleWriter) OnEvent(ev Event) {
	switch ev.Kind {
	case Started:
		if w.verbose {
			fmt.Fprintf(w.out, "started  %s\n", ev.Name)
		}
	case Finished:
		suffix := ""
		if ev.Cache == cache.SourceLocal || ev.Cache == cache.SourceRemote {
			suffix = fmt.Sprintf(" (cache: %s)", ev.Cache)
		}
		if ev.Error != "" {
			suffix += " " + ev.Error
		}
		fmt.Fprintf(w.out, "%-9s %s %s%s\n", ev.Status, ev.Name, ev.Duration.Round(1e6), suffix)
	case Skipped:
		fmt.Fprintf(w.out, "skipped   %s\n", ev.Name)
	case Retry:
		fmt.Fprintf(w.out, "retry     %s\n", ev.Name)
	}
}
