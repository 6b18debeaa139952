// Package cli renders threads and status lines for the terminal client.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/marketfeed/marketfeed/internal/messages"
)

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorBold   = "\033[1m"
)

const previewWidth = 48

// Printer writes human readable output.
type Printer struct {
	w        io.Writer
	colorize bool
	now      func() time.Time
}

// NewPrinter writes to w, colouring output when w is a terminal.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, colorize: isTerminal(w), now: time.Now}
}

// WithClock fixes the reference time used for relative timestamps.
func (p *Printer) WithClock(now func() time.Time) *Printer {
	p.now = now
	return p
}

// Colorize returns text wrapped in color when colouring is on.
func (p *Printer) Colorize(text, color string) string {
	if !p.colorize {
		return text
	}
	return color + text + ColorReset
}

// Success prints a success line.
func (p *Printer) Success(message string) {
	fmt.Fprintf(p.w, "%s %s\n", p.Colorize("✓", ColorGreen), message)
}

// Error prints an error line.
func (p *Printer) Error(message string) {
	fmt.Fprintf(p.w, "%s %s\n", p.Colorize("✗", ColorRed), message)
}

// Warning prints a warning line.
func (p *Printer) Warning(message string) {
	fmt.Fprintf(p.w, "%s %s\n", p.Colorize("⚠", ColorYellow), message)
}

// Info prints an info line.
func (p *Printer) Info(message string) {
	fmt.Fprintf(p.w, "%s %s\n", p.Colorize("ℹ", ColorBlue), message)
}

// Conversations prints one line per thread: name, relative time and a
// preview of the last message.
func (p *Printer) Conversations(list []messages.Thread) {
	if len(list) == 0 {
		fmt.Fprintln(p.w, "No conversations yet.")
		return
	}
	for _, t := range list {
		last := t.Last()
		fmt.Fprintf(p.w, "%-24s %-16s %s\n",
			p.Colorize(name(t), ColorBold),
			humanize.RelTime(last.CreatedAt, p.now(), "ago", "from now"),
			preview(last.Content),
		)
	}
}

// Thread prints every message of t, marking the ones sent by selfID.
func (p *Printer) Thread(t messages.Thread, selfID string) {
	fmt.Fprintf(p.w, "%s (%s)\n", p.Colorize(name(t), ColorBold), humanize.Comma(int64(len(t.Messages)))+" messages")
	for _, m := range t.Messages {
		who := name(t)
		color := ColorCyan
		if m.SenderID == selfID {
			who = "you"
			color = ColorGreen
		}
		fmt.Fprintf(p.w, "  [%s] %s: %s\n",
			humanize.RelTime(m.CreatedAt, p.now(), "ago", "from now"),
			p.Colorize(who, color),
			m.Content,
		)
	}
}

func name(t messages.Thread) string {
	if t.Profile != nil {
		if n := t.Profile.DisplayName(); n != "" {
			return n
		}
	}
	return t.CounterpartyID
}

func preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if r := []rune(content); len(r) > previewWidth {
		return string(r[:previewWidth-1]) + "…"
	}
	return content
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
