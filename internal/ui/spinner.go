package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// LineSpinner animates a single status line until stopped. It is used for
// the blocking steps before the call view takes over the terminal.
type LineSpinner struct {
	w        io.Writer
	message  string
	spinner  spinner.Spinner
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newLineSpinner(w io.Writer, s spinner.Spinner, message string) *LineSpinner {
	return &LineSpinner{w: w, message: message, spinner: s, done: make(chan struct{})}
}

func (s *LineSpinner) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.spinner.FPS)
		defer ticker.Stop()
		for i := 0; ; i++ {
			frame := SpinnerStyle.Render(s.spinner.Frames[i%len(s.spinner.Frames)])
			fmt.Fprintf(s.w, "\r%s %s", frame, s.message)
			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *LineSpinner) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		fmt.Fprint(s.w, "\r\033[K")
	})
}

// RunConnectionSpinner starts a Globe spinner on stdout and returns its
// stop function.
func RunConnectionSpinner(message string) func() {
	sp := newLineSpinner(os.Stdout, spinner.Globe, message)
	sp.Start()
	return sp.Stop
}
