// Package progress redraws status lines in place on a terminal while long
// running work reports on itself.
package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const defaultTermHeight = 24

type State interface {
	String() string
}

type Progress struct {
	mu sync.Mutex
	// buffer output to minimize flickering on all terminals
	w *bufio.Writer

	pos    int
	states []State

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewProgress(w io.Writer) *Progress {
	p := &Progress{
		w:      bufio.NewWriter(w),
		ticker: time.NewTicker(100 * time.Millisecond),
		done:   make(chan struct{}),
	}

	// hide cursor
	fmt.Fprint(p.w, "\033[?25l")

	p.wg.Add(1)
	go p.start(p.ticker)
	return p
}

// Enabled reports whether f is a terminal progress can be drawn on.
func Enabled(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func (p *Progress) Add(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states = append(p.states, state)
}

// Stop draws the final state of every line and restores the cursor. It
// reports whether this call stopped the progress.
func (p *Progress) Stop() bool {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		return false
	}
	p.ticker.Stop()
	p.ticker = nil
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	p.render()

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w)
	// show cursor
	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
	return true
}

func (p *Progress) render() {
	_, termHeight, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termHeight = defaultTermHeight
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.w, "\033[?2026h")
	defer fmt.Fprint(p.w, "\033[?2026l")

	for range p.pos - 1 {
		fmt.Fprint(p.w, "\033[A")
	}

	fmt.Fprint(p.w, "\033[1G")

	maxHeight := min(len(p.states), termHeight)
	for i := len(p.states) - maxHeight; i < len(p.states); i++ {
		fmt.Fprint(p.w, p.states[i].String(), "\033[K")
		if i < len(p.states)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	p.pos = maxHeight
	p.w.Flush()
}

func (p *Progress) start(ticker *time.Ticker) {
	defer p.wg.Done()

	for {
		select {
		case <-ticker.C:
			p.render()
		case <-p.done:
			return
		}
	}
}
