package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

var (
	ErrShellOpen     = errors.New("cannot open remote shell")
	ErrCaptureBusy   = errors.New("another remote query is in flight")
	ErrSessionClosed = errors.New("remote shell closed")
)

// queryCommand makes the remote shell print its working directory.
const queryCommand = "pwd"

type ShellOptions struct {
	Term       string
	Rows, Cols int
	Display    *Display
}

// ShellChannel is the single interactive stream to the remote shell. Its
// output is either shown on the display or, while a query is pending,
// captured until the first complete line.
type ShellChannel struct {
	session *ssh.Session
	stdin   io.WriteCloser
	display *Display

	mu      sync.Mutex
	capture *capture // nil while output goes to the display

	closed    chan struct{}
	closeOnce sync.Once
}

type capture struct {
	buf   bytes.Buffer
	reply chan string
}

// OpenShell starts an interactive shell on client with remote echo turned
// off, so that the local line editor is the only source of echo.
func OpenShell(client *ssh.Client, opts ShellOptions) (*ShellChannel, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShellOpen, err)
	}

	fail := func(what string, err error) (*ShellChannel, error) {
		session.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrShellOpen, what, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(opts.Term, opts.Rows, opts.Cols, modes); err != nil {
		return fail("request pty", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return fail("stdin pipe", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return fail("stdout pipe", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return fail("stderr pipe", err)
	}

	if err := session.Shell(); err != nil {
		return fail("start shell", err)
	}

	s := newShellChannel(stdin, opts.Display)
	s.session = session

	go s.pump(stdout)
	go io.Copy(opts.Display.ErrOut, stderr)

	return s, nil
}

func newShellChannel(stdin io.WriteCloser, d *Display) *ShellChannel {
	return &ShellChannel{
		stdin:   stdin,
		display: d,
		closed:  make(chan struct{}),
	}
}

// Closed is closed once the remote side ends the shell's output stream.
func (s *ShellChannel) Closed() <-chan struct{} {
	return s.closed
}

// WriteLine sends text followed by a single newline.
func (s *ShellChannel) WriteLine(text string) error {
	_, err := io.WriteString(s.stdin, text+"\n")
	return err
}

// WriteRaw sends b as is, e.g. an escape sequence for a navigation key.
func (s *ShellChannel) WriteRaw(b []byte) error {
	_, err := s.stdin.Write(b)
	return err
}

// QueryRemoteDirectory asks the remote shell for its working directory
// without showing the exchange on the display. Only one query may be in
// flight; a concurrent call fails with ErrCaptureBusy.
//
// The reply is the first line the shell prints after the query, so nothing
// else may be written to the shell until this returns.
func (s *ShellChannel) QueryRemoteDirectory(ctx context.Context) (string, error) {
	c := &capture{reply: make(chan string, 1)}

	s.mu.Lock()
	if s.capture != nil {
		s.mu.Unlock()
		return "", ErrCaptureBusy
	}
	s.capture = c
	s.mu.Unlock()

	if err := s.WriteLine(queryCommand); err != nil {
		s.release(c)
		return "", fmt.Errorf("query remote directory: %w", err)
	}

	select {
	case dir := <-c.reply:
		return dir, nil
	case <-s.closed:
		s.release(c)
		return "", ErrSessionClosed
	case <-ctx.Done():
		s.release(c)
		return "", fmt.Errorf("query remote directory: %w", ctx.Err())
	}
}

// release abandons c if it is still pending and hands whatever it captured
// back to the display.
func (s *ShellChannel) release(c *capture) {
	s.mu.Lock()
	if s.capture != c {
		s.mu.Unlock()
		return
	}
	s.capture = nil
	pending := c.buf.Bytes()
	s.mu.Unlock()

	if len(pending) > 0 {
		s.display.Out.Write(pending)
	}
}

// dispatch routes one chunk of remote output. Chunks arrive in order from a
// single reader goroutine.
func (s *ShellChannel) dispatch(chunk []byte) {
	s.mu.Lock()
	c := s.capture
	if c == nil {
		s.mu.Unlock()
		s.display.Out.Write(chunk)
		return
	}

	c.buf.Write(chunk)

	var line string
	for {
		data := c.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			s.mu.Unlock()
			return
		}
		line = strings.Trim(string(data[:i]), "\r")
		c.buf.Next(i + 1)
		// Skip the query itself if it comes back as echo. A pwd reply is an
		// absolute path and never equals it.
		if line != queryCommand {
			break
		}
	}

	rest := bytes.Clone(c.buf.Bytes())
	s.capture = nil
	s.mu.Unlock()

	c.reply <- line

	if len(rest) > 0 {
		s.display.Out.Write(rest)
	}
}

func (s *ShellChannel) pump(r io.Reader) {
	defer s.closeOnce.Do(func() { close(s.closed) })

	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.dispatch(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// Close ends the shell session.
func (s *ShellChannel) Close() error {
	var err error
	if s.session != nil {
		err = s.session.Close()
	} else {
		err = s.stdin.Close()
	}
	if err == io.EOF {
		return nil
	}
	return err
}
