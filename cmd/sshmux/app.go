package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	sshconfig "github.com/kevinburke/ssh_config"
	"github.com/paxan/sshmux"
	"github.com/paxan/sshmux/aws/lightsail"
	"golang.org/x/crypto/ssh"
)

// usageError marks errors caused by how the command was invoked.
type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }

// sessionError marks errors a session ended with. The session has reported
// them to the operator already.
type sessionError struct{ error }

func (e sessionError) Unwrap() error { return e.error }

type App struct {
	Args []string

	Log interface {
		Print(v ...any)
		Printf(format string, v ...any)
	}

	UsageOutput io.Writer

	settings Settings

	config struct {
		profile     string
		region      string
		mfaCode     string
		apiEndpoint string
		instance    string
		port        string
		keyFile     string
		knownHosts  string
		downloadDir string
		descriptor  string
		outbound    *sshmux.ForwardSpec
		inbound     *sshmux.ForwardSpec
	}
}

func (app *App) Run(ctx context.Context) error {
	s, err := loadSettings()
	if err != nil {
		return usageError{err}
	}
	app.settings = s

	if err := app.parseArgs(); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return usageError{err}
	}

	params, err := app.connectionParams(ctx)
	if err != nil {
		return err
	}

	opts := sshmux.SessionOptions{
		Params:       params,
		Outbound:     app.config.outbound,
		Inbound:      app.config.inbound,
		DownloadDir:  app.config.downloadDir,
		Term:         app.settings.Term,
		QueryTimeout: app.settings.QueryTimeout,
		DialTimeout:  app.settings.DialTimeout,
	}

	if len(params.KnownHostKeys) == 0 && params.KnownHostsFile == "" {
		app.Log.Printf("warning: not verifying the host key of %s", params.Host)
		opts.ClientOptions = append(opts.ClientOptions, func(c *ssh.ClientConfig) {
			c.HostKeyCallback = ssh.InsecureIgnoreHostKey()
		})
	}

	if err := sshmux.Run(ctx, opts); err != nil {
		return sessionError{err}
	}
	return nil
}

const doc = `Interactive SSH client with file transfer and port forwarding.

Opens a remote shell on the destination and relays lines typed
locally to it. Two lines are handled locally instead:

  get <file>   download <file> from the remote working directory
  put <path>   upload the local <path> into the remote working directory

Downloads are written under the download directory. A single
outbound (-L) and a single inbound (-R) TCP forward may be carried
over the same connection.

The destination is given as user:password@a.b.c.d. With -lightsail,
credentials and host keys are obtained from the Amazon Lightsail API
instead, and no destination is given.

Environment:
  SSHMUX_DOWNLOAD_DIR, SSHMUX_QUERY_TIMEOUT, SSHMUX_DIAL_TIMEOUT,
  SSHMUX_TERM, SSHMUX_KNOWN_HOSTS, SSHMUX_STRICT_HOST_KEYS,
  SSHMUX_USE_AGENT

`

func (app *App) parseArgs() error {
	fs := flag.NewFlagSet(app.Args[0], flag.ContinueOnError)
	fs.SetOutput(app.UsageOutput)
	fs.Usage = func() {
		fmt.Fprintf(
			fs.Output(),
			doc+
				"Usage: %s [flags] [user:password@a.b.c.d]\n"+
				"Flags:\n",
			fs.Name())
		fs.PrintDefaults()
	}

	forward := func(dst **sshmux.ForwardSpec) func(string) error {
		return func(s string) error {
			if *dst != nil {
				return errors.New("only one forward of each direction is supported")
			}
			spec, err := sshmux.ParseForwardSpec(s)
			if err != nil {
				return err
			}
			*dst = spec
			return nil
		}
	}

	// These flags have the same usage and meaning as the corresponding flags of
	// OpenSSH client.
	fs.Func("L", "forward local `[localHost:]localPort:remoteHost:remotePort` to the remote side",
		forward(&app.config.outbound))
	fs.Func("R", "forward remote `[localHost:]localPort:remoteHost:remotePort` to the local side",
		forward(&app.config.inbound))
	fs.StringVar(&app.config.port, "p", "", "`port` to connect to on the remote host")
	fs.StringVar(&app.config.keyFile, "i", "", "private key `file` for public key authentication")

	fs.StringVar(&app.config.knownHosts, "known-hosts", app.settings.KnownHosts,
		"known_hosts `file` used to verify the host key")
	fs.StringVar(&app.config.downloadDir, "download-dir", app.settings.DownloadDir,
		"`directory` downloads are written to")

	// Lightsail flags.
	fs.StringVar(&app.config.instance, "lightsail", "", "Lightsail `instance` to connect to")
	fs.StringVar(&app.config.apiEndpoint, "endpoint-url", "", "override the default API `URL` with the given URL")
	fs.StringVar(&app.config.mfaCode, "mfa", "", "valid MFA `code` to refresh AWS credentials")
	fs.StringVar(&app.config.profile, "profile", "", "AWS CLI profile")
	fs.StringVar(&app.config.region, "region", "", "AWS region to use")

	if err := fs.Parse(app.Args[1:]); err != nil {
		return err
	}

	switch {
	case fs.NArg() > 1:
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args()[1:], " "))
	case fs.NArg() == 1 && app.config.instance != "":
		return errors.New("destination and -lightsail must not be used together")
	case fs.NArg() == 0 && app.config.instance == "":
		return errors.New("destination is not specified")
	case fs.NArg() == 1:
		app.config.descriptor = fs.Arg(0)
		if _, err := sshmux.ParseDescriptor(app.config.descriptor); err != nil {
			return err
		}
	}

	if app.config.port != "" {
		if n, err := strconv.ParseUint(app.config.port, 10, 16); err != nil || n == 0 {
			return fmt.Errorf("invalid port %q", app.config.port)
		}
	}

	return nil
}

// connectionParams resolves the destination into connection parameters,
// either from the descriptor or from Lightsail.
func (app *App) connectionParams(ctx context.Context) (*sshmux.ConnectionParams, error) {
	if app.config.instance != "" {
		cfg, err := awsConfig(ctx, app.config.profile, app.config.region, app.config.mfaCode)
		if err != nil {
			return nil, err
		}

		a := lightsail.NewAuthority(cfg, lightsail.WithBaseEndpoint(app.config.apiEndpoint))
		p, err := a.IssueCredentials(ctx, app.config.instance)
		if err != nil {
			return nil, err
		}
		if app.config.port != "" {
			p.Port = app.config.port
		}
		return p, nil
	}

	p, err := sshmux.ParseDescriptor(app.config.descriptor)
	if err != nil {
		return nil, usageError{err}
	}

	p.Port = resolvePort(p.Host, app.config.port)
	p.UseAgent = app.settings.UseAgent

	signer, err := loadSigner(p.Host, app.config.keyFile)
	if err != nil {
		return nil, err
	}
	p.Signer = signer

	p.KnownHostsFile = knownHostsFile(app.config.knownHosts, app.settings.StrictHostKeys)

	return p, nil
}

// resolvePort prefers the -p flag, then a Port entry in ~/.ssh/config.
func resolvePort(host, port string) string {
	if port != "" {
		return port
	}
	if cp := sshconfig.Get(host, "Port"); cp != "" {
		return cp
	}
	return sshmux.DefaultPort
}

// loadSigner reads the private key named by -i. Without -i, the
// IdentityFile from ~/.ssh/config is tried and skipped when absent.
func loadSigner(host, keyFile string) (ssh.Signer, error) {
	explicit := keyFile != ""
	if !explicit {
		keyFile = sshconfig.Get(host, "IdentityFile")
		if keyFile == "" {
			return nil, nil
		}
	}
	keyFile = expandHome(keyFile)

	b, err := os.ReadFile(keyFile)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("unable to read private key %q: %w", keyFile, err)
	}

	signer, err := ssh.ParsePrivateKey(b)
	if err != nil {
		if !explicit {
			// Likely passphrase protected; password auth still applies.
			return nil, nil
		}
		return nil, fmt.Errorf("parse private key %q: %w", keyFile, err)
	}

	return signer, nil
}

// knownHostsFile picks the known_hosts file to verify against. Strict mode
// falls back to ~/.ssh/known_hosts; otherwise an unset file disables
// verification.
func knownHostsFile(file string, strict bool) string {
	if file != "" {
		return expandHome(file)
	}
	if !strict {
		return ""
	}
	return expandHome("~/.ssh/known_hosts")
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

func awsConfig(ctx context.Context, profile, region, mfaCode string) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx,
		config.WithSharedConfigProfile(profile),
		config.WithRegion(region),
		config.WithAssumeRoleCredentialOptions(func(o *stscreds.AssumeRoleOptions) {
			if mfaCode != "" {
				o.TokenProvider = func() (string, error) { return mfaCode, nil }
			}
		}),
	)
}
