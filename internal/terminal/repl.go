// Package terminal is a line-oriented front end for the delivery core.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"softterminal/internal/delivery"
)

// Machine is the part of the delivery core the REPL drives.
type Machine interface {
	OnChange(fn func(delivery.View))
	StartSession(ctx context.Context) string
	Reset(ctx context.Context)
	Submit(ctx context.Context, question string) error
	More(ctx context.Context) error
	Retry() error
	View() delivery.View
}

const helpText = `Type a question and press enter.
  :more    show more of the last answer
  :retry   clear an error and try again
  :reset   start over
  :quit    leave`

// REPL reads commands from a reader and prints view changes to a writer.
type REPL struct {
	m   Machine
	out io.Writer

	calls sync.WaitGroup

	mu          sync.Mutex
	seen        map[string]int // message id -> chunks printed
	shownQ      map[string]bool
	lastErr     string
	suggestions string
	moreHint    string
}

func New(m Machine, out io.Writer) (*REPL, error) {
	if m == nil {
		return nil, errors.New("terminal: machine must not be nil")
	}
	if out == nil {
		return nil, errors.New("terminal: writer must not be nil")
	}
	r := &REPL{m: m, out: out}
	r.clear()
	m.OnChange(r.Render)
	return r, nil
}

// Run starts a session and processes lines until :quit, EOF or ctx is done.
// Questions and continuations run in the background so :reset and further
// lines are handled while a request is outstanding. Run waits for them
// before it returns; :quit and ctx cancel them first. A reader that is an
// io.Closer is closed on :quit or cancellation.
func (r *REPL) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer r.calls.Wait()
	defer cancel()

	r.printf("%s\n", helpText)
	r.m.StartSession(ctx)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			closeReader(in)
			return nil
		case line, ok := <-lines:
			if !ok {
				err := <-scanErr
				r.calls.Wait()
				return err
			}
			if quit := r.handle(ctx, line); quit {
				closeReader(in)
				return nil
			}
		}
	}
}

func closeReader(in io.Reader) {
	if c, ok := in.(io.Closer); ok {
		_ = c.Close()
	}
}

// background runs a transport-bound command off the read loop.
func (r *REPL) background(fn func() error, hint func() string) {
	r.calls.Add(1)
	go func() {
		defer r.calls.Done()
		r.report(fn(), hint)
	}()
}

func (r *REPL) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case ":quit", ":q":
		return true
	case ":help":
		r.printf("%s\n", helpText)
	case ":more":
		r.background(func() error { return r.m.More(ctx) }, func() string {
			if r.m.View().State.InFlight() {
				return "still thinking"
			}
			return "nothing more to show"
		})
	case ":retry":
		r.report(r.m.Retry(), func() string { return "nothing to retry" })
	case ":reset":
		r.mu.Lock()
		r.clear()
		r.mu.Unlock()
		r.m.Reset(ctx)
	default:
		r.background(func() error { return r.m.Submit(ctx, line) }, func() string {
			if r.m.View().CanRetry {
				return "type :retry first"
			}
			return "still thinking"
		})
	}
	return false
}

// report prints rejections. Transport failures already show up as the
// view's error banner.
func (r *REPL) report(err error, hint func() string) {
	if err != nil && delivery.IsRejected(err) {
		r.printf("(%s)\n", hint())
	}
}

// Render prints what changed since the previous view.
func (r *REPL) Render(v delivery.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	for _, msg := range v.Messages {
		if !r.shownQ[msg.ID] {
			r.shownQ[msg.ID] = true
			fmt.Fprintf(&b, "you: %s\n", msg.Question)
		}
		if msg.Answer == nil {
			continue
		}
		printed := r.seen[msg.ID]
		for _, chunk := range msg.Answer.Chunks[min(printed, len(msg.Answer.Chunks)):] {
			fmt.Fprintf(&b, "  %s\n", chunk)
		}
		r.seen[msg.ID] = len(msg.Answer.Chunks)
	}

	hint := ""
	if v.CanGetMore && len(v.Messages) > 0 {
		if last := v.Messages[len(v.Messages)-1].Answer; last != nil && last.MoreAvailable {
			hint = last.ContextID + "/" + fmt.Sprint(len(last.Chunks))
		}
	}
	if hint != "" && hint != r.moreHint {
		b.WriteString("  [type :more for more]\n")
	}
	r.moreHint = hint

	if v.Error != r.lastErr {
		if v.Error != "" {
			fmt.Fprintf(&b, "! %s (type :retry)\n", v.Error)
		}
		r.lastErr = v.Error
	}

	if s := strings.Join(v.Suggestions, " | "); s != r.suggestions {
		if s != "" {
			fmt.Fprintf(&b, "try asking: %s\n", s)
		}
		r.suggestions = s
	}

	if b.Len() > 0 {
		_, _ = io.WriteString(r.out, b.String())
	}
}

func (r *REPL) clear() {
	r.seen = make(map[string]int)
	r.shownQ = make(map[string]bool)
	r.lastErr = ""
	r.suggestions = ""
	r.moreHint = ""
}

func (r *REPL) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintf(r.out, format, args...)
}
