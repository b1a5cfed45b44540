package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// State is where a session is in its life.
type State int

const (
	StateConnecting State = iota
	StateShellOpen
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateShellOpen:
		return "shell open"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Input delivers the operator's lines and keys to a router. It returns when
// the input ends.
type Input interface {
	Run(ctx context.Context, r *Router) error
}

type SessionConfig struct {
	// Host is how the remote side is named in announcements.
	Host string
	Dial func(ctx context.Context) (*ssh.Client, error)

	// Outbound and Inbound forwards are both optional.
	Outbound *ForwardSpec
	Inbound  *ForwardSpec

	Term         string
	Rows, Cols   int
	DownloadDir  string
	QueryTimeout time.Duration
	DialTimeout  time.Duration

	Display *Display
	Input   Input
}

// Session owns the connection and everything multiplexed over it. It is
// the only place where they are closed.
type Session struct {
	cfg SessionConfig

	mu      sync.Mutex
	state   State
	client  io.Closer
	shell   *ShellChannel
	tunnels *Tunnels
	err     error

	once sync.Once
	done chan struct{}
}

func NewSession(cfg SessionConfig) *Session {
	return &Session{
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Run connects, opens the shell, starts the forwards, and serves the
// operator's input until the session is terminated. It returns the error
// that terminated it, if any.
func (s *Session) Run(ctx context.Context) error {
	d := s.cfg.Display

	d.Announce("Connecting to %s", s.cfg.Host)
	client, err := s.cfg.Dial(ctx)
	if err != nil {
		s.Terminate(fmt.Errorf("connect to %s: %w", s.cfg.Host, err))
		return s.Err()
	}
	if !s.adopt(func() { s.client = client }) {
		client.Close()
		return s.Err()
	}
	d.Announce("Connection successful")

	go func() {
		err := client.Wait()
		if err != nil && !errors.Is(err, io.EOF) {
			s.Terminate(fmt.Errorf("connection: %w", err))
			return
		}
		s.Terminate(nil)
	}()

	shell, err := OpenShell(client, ShellOptions{
		Term:    s.cfg.Term,
		Rows:    s.cfg.Rows,
		Cols:    s.cfg.Cols,
		Display: d,
	})
	if err != nil {
		s.Terminate(err)
		return s.Err()
	}
	if !s.adopt(func() { s.shell, s.state = shell, StateShellOpen }) {
		shell.Close()
		return s.Err()
	}

	go func() {
		<-shell.Closed()
		s.Terminate(nil)
	}()

	tunnels := NewTunnels(client, d, s.cfg.DialTimeout, s.Terminate)
	if !s.adopt(func() { s.tunnels = tunnels }) {
		return s.Err()
	}
	if spec := s.cfg.Outbound; spec != nil {
		if _, err := tunnels.ForwardOut(*spec); err != nil {
			s.Terminate(fmt.Errorf("forwarding error: %w", err))
			return s.Err()
		}
	}
	if spec := s.cfg.Inbound; spec != nil {
		if _, err := tunnels.ForwardIn(*spec); err != nil {
			s.Terminate(fmt.Errorf("forwarding error: %w", err))
			return s.Err()
		}
	}

	router := &Router{
		Shell: shell,
		Transfers: &Transfers{
			Shell: shell,
			OpenFiles: func() (RemoteFiles, error) {
				fc, err := OpenFileChannel(client)
				if err != nil {
					return nil, err
				}
				return fc, nil
			},
			Display:      d,
			Host:         s.cfg.Host,
			DownloadDir:  s.cfg.DownloadDir,
			QueryTimeout: s.cfg.QueryTimeout,
		},
	}
	if !s.adopt(func() { s.state = StateRunning }) {
		return s.Err()
	}

	if s.cfg.Input != nil {
		go func() {
			err := s.cfg.Input.Run(ctx, router)
			if err != nil && ctx.Err() == nil && !s.Terminated() {
				s.Terminate(fmt.Errorf("input: %w", err))
			}
		}()
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		s.Terminate(nil)
	}

	return s.Err()
}

// adopt applies f unless the session has already been terminated.
func (s *Session) adopt(f func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return false
	}
	f()
	return true
}

// Terminate ends the session: it reports err when there is one, closes the
// shell, the connection, and all forwards, and releases Done. Only the
// first call has any effect.
func (s *Session) Terminate(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = StateTerminated
		s.err = err
		client, shell, tunnels := s.client, s.shell, s.tunnels
		s.mu.Unlock()

		d := s.cfg.Display
		if err != nil {
			d.Error(err)
		}
		d.Announce("Connection closed")

		if shell != nil {
			shell.Close()
		}
		if client != nil {
			client.Close()
		}
		if tunnels != nil {
			tunnels.Close()
		}

		close(s.done)
	})
}

// Done is closed once the session has been terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Terminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Err returns the error the session was terminated with.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
