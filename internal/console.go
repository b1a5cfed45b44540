package internal

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"golang.org/x/term"
)

// runeKeys maps what the line editor reports for navigation and control
// keys to the keys forwarded to the remote shell.
var runeKeys = map[rune]Key{
	readline.CharPrev:      KeyUp,
	readline.CharNext:      KeyDown,
	readline.CharForward:   KeyRight,
	readline.CharBackward:  KeyLeft,
	readline.MetaBackward:  KeyMetaBackward,
	readline.MetaForward:   KeyMetaForward,
	readline.MetaDelete:    KeyMetaDelete,
	readline.MetaBackspace: KeyMetaBackspace,
	12:                     KeyCtrlL, // ^L
	26:                     KeyCtrlZ, // ^Z
}

// Console is the operator's terminal: a local line editor whose output
// writers clear and redraw the input line around every write.
type Console struct {
	rl *readline.Instance

	mu     sync.Mutex
	router *Router
	closed bool
}

func NewConsole() (*Console, error) {
	return newConsole(&readline.Config{})
}

func newConsole(cfg *readline.Config) (*Console, error) {
	c := &Console{}

	cfg.FuncFilterInputRune = c.filterInput
	rl, err := readline.NewEx(cfg)
	if err != nil {
		return nil, err
	}
	c.rl = rl

	return c, nil
}

func (c *Console) Stdout() io.Writer { return c.rl.Stdout() }

func (c *Console) Stderr() io.Writer { return c.rl.Stderr() }

// Size reports the local terminal's dimensions, or 24x80 when stdout is not
// a terminal.
func (c *Console) Size() (rows, cols int) {
	fd := int(os.Stdout.Fd())
	if term.IsTerminal(fd) {
		if width, height, err := term.GetSize(fd); err == nil {
			return height, width
		}
	}
	return 24, 80
}

// Run feeds the operator's input to r until the console is closed, ctx is
// done, or a write to the remote shell fails. ^C is passed to the remote
// shell, ^D on an empty line as well.
func (c *Console) Run(ctx context.Context, r *Router) error {
	c.mu.Lock()
	c.router = r
	c.mu.Unlock()

	for {
		line, err := c.rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if err := r.Interrupt(); err != nil {
				return err
			}
			continue
		case errors.Is(err, io.EOF):
			if ctx.Err() != nil || c.isClosed() {
				return nil
			}
			if err := r.HandleKey(KeyCtrlD); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}

		if err := r.HandleLine(ctx, line); err != nil {
			return err
		}
	}
}

func (c *Console) filterInput(in rune) (rune, bool) {
	k, ok := runeKeys[in]
	if !ok {
		return in, true
	}

	c.mu.Lock()
	r := c.router
	c.mu.Unlock()
	if r == nil {
		return in, true
	}

	// A failed write means the shell is gone; the session notices that
	// through ShellChannel.Closed.
	_ = r.HandleKey(k)
	return in, false
}

func (c *Console) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Console) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.rl.Close()
}
