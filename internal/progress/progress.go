// Package progress renders the search progress line on a terminal.
//
// The resolution search does not know how many attempts it will make, so
// the bar's total is an estimate that shrinks after every round while the
// position advances by the current failure streak. The line is redrawn in
// place with a carriage return and is only drawn when the output is a
// terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	bprogress "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"osc/internal/clock"
)

// Label is shown in front of the bar.
const Label = "Compiling your os"

const barWidth = 40

// Bar is a decaying-estimate progress line. It implements core.Progress.
// A nil *Bar or a disabled Bar is inert.
type Bar struct {
	mu sync.Mutex

	out     io.Writer
	clock   clock.Clock
	start   time.Time
	enabled bool
	done    bool

	pos   int
	total int

	bar   bprogress.Model
	label lipgloss.Style
	count lipgloss.Style
}

// New creates a Bar drawing to out with an initial total estimate.
func New(out io.Writer, total int, clk clock.Clock) *Bar {
	if total < 1 {
		total = 1
	}
	return &Bar{
		out:     out,
		clock:   clk,
		start:   clk.Now(),
		enabled: true,
		total:   total,
		bar: bprogress.New(
			bprogress.WithDefaultGradient(),
			bprogress.WithWidth(barWidth),
			bprogress.WithoutPercentage(),
		),
		label: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		count: lipgloss.NewStyle().Faint(true),
	}
}

// ForWriter creates a Bar on w that only draws when w is a terminal and
// disabled is false.
func ForWriter(w io.Writer, total int, clk clock.Clock, disabled bool) *Bar {
	b := New(w, total, clk)
	f, ok := w.(*os.File)
	b.enabled = !disabled && ok && term.IsTerminal(int(f.Fd()))
	return b
}

// Enabled reports whether the bar draws anything.
func (b *Bar) Enabled() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// Advance moves the position forward by n.
func (b *Bar) Advance(n int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pos += n
	b.draw()
}

// Shrink lowers the total estimate by n. The total never drops below 1.
func (b *Bar) Shrink(n int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total -= n
	if b.total < 1 {
		b.total = 1
	}
	b.draw()
}

// Finish fills the bar and ends the line. Later calls are ignored.
func (b *Bar) Finish() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	if b.pos < b.total {
		b.pos = b.total
	}
	b.draw()
	if b.enabled {
		fmt.Fprintln(b.out)
	}
	b.done = true
}

// Position returns the current position and total estimate.
func (b *Bar) Position() (pos, total int) {
	if b == nil {
		return 0, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pos, b.total
}

func (b *Bar) draw() {
	if !b.enabled || b.done {
		return
	}
	fmt.Fprintf(b.out, "\r%s [%s] %s %s",
		b.label.Render(Label),
		formatElapsed(b.clock.Now().Sub(b.start)),
		b.bar.ViewAs(b.ratio()),
		b.count.Render(fmt.Sprintf("%d/%d", b.pos, b.total)),
	)
}

func (b *Bar) ratio() float64 {
	r := float64(b.pos) / float64(b.total)
	if r > 1 {
		return 1
	}
	return r
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}
