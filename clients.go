package sshmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	sshagent "github.com/xanzy/ssh-agent"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	ErrUnknownHostKey = errors.New("unknown host key")
	ErrNoAuthMethod   = errors.New("no authentication method")
)

// ConnectionParams describe how to reach and authenticate to the remote host.
// They must not be modified once a session has started.
type ConnectionParams struct {
	User     string
	Host     string
	Port     string
	Password string

	// Signer, when set, enables public key authentication. If Cert is set as
	// well, the signer presents the certificate instead of the bare key.
	Signer ssh.Signer
	Cert   *ssh.Certificate

	// UseAgent adds the keys held by the running ssh-agent, if any.
	UseAgent bool

	// Host key sources, checked in order: KnownHostKeys, then KnownHostsFile.
	KnownHostKeys  []ssh.PublicKey
	KnownHostsFile string
}

// Address returns host:port of the remote side.
func (p *ConnectionParams) Address() string {
	port := p.Port
	if port == "" {
		port = DefaultPort
	}
	return net.JoinHostPort(p.Host, port)
}

// NewClient dials the remote host and completes the SSH handshake.
func NewClient(ctx context.Context, p *ConnectionParams, opts ...func(*ssh.ClientConfig)) (*ssh.Client, error) {
	config, err := NewClientConfig(p, opts...)
	if err != nil {
		return nil, err
	}

	addr := p.Address()
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, errors.Join(err, conn.Close())
	}

	return ssh.NewClient(c, chans, reqs), nil
}

func NewClientConfig(p *ConnectionParams, opts ...func(*ssh.ClientConfig)) (*ssh.ClientConfig, error) {
	auth, err := authMethods(p)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := hostKeyCallback(p)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		// With neither known host keys nor a known_hosts file, the handshake
		// fails with ErrUnknownHostKey. If necessary, the caller may specify
		// their own ssh.HostKeyCallback.
		HostKeyCallback: hostKeyCallback,
	}

	for _, o := range opts {
		o(config)
	}

	config.User = p.User
	config.Auth = auth

	return config, nil
}

func authMethods(p *ConnectionParams) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if p.Signer != nil {
		signer := p.Signer

		if p.Cert != nil {
			if p.Cert.CertType != ssh.UserCert {
				return nil, fmt.Errorf("expected an SSH user certificate (type=%v) but got: type=%v",
					ssh.UserCert, p.Cert.CertType)
			}

			certSigner, err := ssh.NewCertSigner(p.Cert, p.Signer)
			if err != nil {
				return nil, err
			}

			signer = certSigner
		}

		methods = append(methods, ssh.PublicKeys(signer))
	}

	if p.UseAgent && sshagent.Available() {
		a, _, err := sshagent.New()
		if err != nil {
			return nil, fmt.Errorf("connect to ssh-agent: %w", err)
		}
		methods = append(methods, ssh.PublicKeysCallback(a.Signers))
	}

	if p.Password != "" {
		password := p.Password
		methods = append(methods,
			ssh.Password(password),
			// Some servers only offer keyboard-interactive; answer every
			// prompt with the password.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, ErrNoAuthMethod
	}

	return methods, nil
}

func hostKeyCallback(p *ConnectionParams) (ssh.HostKeyCallback, error) {
	if len(p.KnownHostKeys) == 0 && p.KnownHostsFile != "" {
		cb, err := knownhosts.New(p.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			err := cb(hostname, remote, key)
			var keyErr *knownhosts.KeyError
			if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
				return fmt.Errorf("%w: %s fingerprint: %s (not in %s)", ErrUnknownHostKey,
					key.Type(), ssh.FingerprintSHA256(key), p.KnownHostsFile)
			}
			return err
		}, nil
	}

	return func(_ string, _ net.Addr, key ssh.PublicKey) error {
		return validateHostKey(key, p.KnownHostKeys)
	}, nil
}

func validateHostKey(key ssh.PublicKey, knownHostKeys []ssh.PublicKey) error {
	if key == nil {
		return fmt.Errorf("got a nil host key")
	}

	got := key.Marshal()

	var expected strings.Builder
	for i, known := range knownHostKeys {
		if want := known.Marshal(); bytes.Equal(got, want) {
			return nil // We've got a matching host key!
		}
		if i != 0 {
			expected.WriteString(", ")
		}
		expected.WriteString(known.Type())
		expected.WriteRune(' ')
		expected.WriteString(ssh.FingerprintSHA256(known))
	}

	return fmt.Errorf("%w: %s fingerprint: %s (expected fingerprints: %s)", ErrUnknownHostKey,
		bytes.TrimSpace(ssh.MarshalAuthorizedKey(key)),
		ssh.FingerprintSHA256(key),
		&expected,
	)
}
