package main

import (
	"errors"
	"flag"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paxan/sshmux"
	"github.com/stretchr/testify/require"
)

func newTestApp(args ...string) *App {
	return &App{
		Args:        append([]string{"sshmux"}, args...),
		Log:         log.New(io.Discard, "", 0),
		UsageOutput: io.Discard,
		settings:    Settings{DownloadDir: "downloads", KnownHosts: "/etc/ssh/known_hosts"},
	}
}

func TestParseArgs(t *testing.T) {
	app := newTestApp(
		"-L", "9000:10.0.0.9:80",
		"-R", "0.0.0.0:4000:127.0.0.1:5000",
		"-p", "2222",
		"-download-dir", "/tmp/dl",
		"bob:secret@10.0.0.5",
	)
	require.NoError(t, app.parseArgs())

	require.Equal(t, "bob:secret@10.0.0.5", app.config.descriptor)
	require.Equal(t, "2222", app.config.port)
	require.Equal(t, "/tmp/dl", app.config.downloadDir)
	require.Equal(t, "/etc/ssh/known_hosts", app.config.knownHosts)
	require.Equal(t, &sshmux.ForwardSpec{
		LocalHost: "localhost", LocalPort: "9000", RemoteHost: "10.0.0.9", RemotePort: "80",
	}, app.config.outbound)
	require.Equal(t, &sshmux.ForwardSpec{
		LocalHost: "0.0.0.0", LocalPort: "4000", RemoteHost: "127.0.0.1", RemotePort: "5000",
	}, app.config.inbound)
}

func TestParseArgsDefaults(t *testing.T) {
	app := newTestApp("bob:secret@10.0.0.5")
	require.NoError(t, app.parseArgs())

	require.Equal(t, "downloads", app.config.downloadDir)
	require.Nil(t, app.config.outbound)
	require.Nil(t, app.config.inbound)
}

func TestParseArgsLightsail(t *testing.T) {
	app := newTestApp("-lightsail", "web-1", "-region", "us-west-2")
	require.NoError(t, app.parseArgs())

	require.Equal(t, "web-1", app.config.instance)
	require.Equal(t, "us-west-2", app.config.region)
	require.Empty(t, app.config.descriptor)
}

func TestParseArgsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no destination", nil, "destination is not specified"},
		{"bad descriptor", []string{"bob@10.0.0.5"}, "invalid connection descriptor"},
		{"extra args", []string{"bob:secret@10.0.0.5", "ls"}, "unexpected arguments: ls"},
		{"both destinations", []string{"-lightsail", "web-1", "bob:secret@10.0.0.5"}, "must not be used together"},
		{"bad forward", []string{"-L", "9000:80", "bob:secret@10.0.0.5"}, "invalid forward spec"},
		{"two outbound", []string{"-L", "1:h:2", "-L", "3:h:4", "bob:secret@10.0.0.5"}, "only one forward"},
		{"bad port", []string{"-p", "ssh", "bob:secret@10.0.0.5"}, `invalid port "ssh"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestApp(tt.args...).parseArgs()
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParseArgsHelp(t *testing.T) {
	require.ErrorIs(t, newTestApp("-h").parseArgs(), flag.ErrHelp)
}

func TestLoadSettings(t *testing.T) {
	t.Setenv("SSHMUX_QUERY_TIMEOUT", "3s")
	t.Setenv("SSHMUX_STRICT_HOST_KEYS", "true")
	t.Setenv("SSHMUX_TERM", "vt100")

	s, err := loadSettings()
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, s.QueryTimeout)
	require.Equal(t, 15*time.Second, s.DialTimeout)
	require.Equal(t, "downloads", s.DownloadDir)
	require.Equal(t, "vt100", s.Term)
	require.True(t, s.StrictHostKeys)
	require.False(t, s.UseAgent)

	t.Setenv("SSHMUX_DIAL_TIMEOUT", "soon")
	_, err = loadSettings()
	require.Error(t, err)
}

func TestKnownHostsFile(t *testing.T) {
	require.Equal(t, "/etc/ssh/known_hosts", knownHostsFile("/etc/ssh/known_hosts", false))
	require.Empty(t, knownHostsFile("", false))

	strict := knownHostsFile("", true)
	require.True(t, strings.HasSuffix(strict, filepath.Join(".ssh", "known_hosts")), strict)
	require.False(t, strings.HasPrefix(strict, "~"))
}

func TestLoadSignerExplicitMissing(t *testing.T) {
	_, err := loadSigner("10.0.0.5", filepath.Join(t.TempDir(), "id_ed25519"))
	require.ErrorContains(t, err, "unable to read private key")
}

func TestExitCode(t *testing.T) {
	logger := log.New(io.Discard, "", 0)

	require.Equal(t, 0, exitCode(nil, logger))
	require.Equal(t, 0, exitCode(flag.ErrHelp, logger))
	require.Equal(t, 2, exitCode(usageError{errors.New("destination is not specified")}, logger))
	require.Equal(t, 1, exitCode(sessionError{errors.New("forwarding error")}, logger))
	require.Equal(t, 1, exitCode(errors.New("AccessDeniedException"), logger))
}
