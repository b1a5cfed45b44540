// Package sshmux is an interactive SSH client. One connection carries the
// remote shell, single file get and put, and TCP port forwards in both
// directions.
package sshmux

import (
	"context"
	"time"

	"github.com/paxan/sshmux/internal"
	"golang.org/x/crypto/ssh"
)

// Authority issues connection parameters for a named target, e.g. a cloud
// instance whose keys are managed by its provider.
type Authority interface {
	IssueCredentials(ctx context.Context, target string) (*ConnectionParams, error)
}

type SessionOptions struct {
	Params *ConnectionParams

	// Outbound listens locally (-L); Inbound listens on the remote host (-R).
	Outbound *ForwardSpec
	Inbound  *ForwardSpec

	DownloadDir  string
	Term         string
	QueryTimeout time.Duration
	DialTimeout  time.Duration

	ClientOptions []func(*ssh.ClientConfig)
}

// Run holds an interactive session on the local terminal until the remote
// shell exits, the connection fails, or ctx is done. The error returned is
// the one that ended the session; a clean close returns nil.
func Run(ctx context.Context, opts SessionOptions) error {
	console, err := internal.NewConsole()
	if err != nil {
		return err
	}
	defer console.Close()

	clientOpts := append([]func(*ssh.ClientConfig){
		func(c *ssh.ClientConfig) { c.Timeout = opts.DialTimeout },
	}, opts.ClientOptions...)

	rows, cols := console.Size()

	s := internal.NewSession(internal.SessionConfig{
		Host: opts.Params.Host,
		Dial: func(ctx context.Context) (*ssh.Client, error) {
			return NewClient(ctx, opts.Params, clientOpts...)
		},
		Outbound:     opts.Outbound,
		Inbound:      opts.Inbound,
		Term:         opts.Term,
		Rows:         rows,
		Cols:         cols,
		DownloadDir:  opts.DownloadDir,
		QueryTimeout: opts.QueryTimeout,
		DialTimeout:  opts.DialTimeout,
		Display:      internal.NewDisplay(console.Stdout(), console.Stderr()),
		Input:        console,
	})

	return s.Run(ctx)
}
