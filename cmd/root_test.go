package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/curator/internal/config"
	"github.com/xkilldash9x/curator/internal/locator"
	"github.com/xkilldash9x/curator/internal/locator/memdom"
)

// stubBrowser swaps openLocator for the duration of a test and reports the
// browser config it was asked to open.
func stubBrowser(t *testing.T, err error) (*config.BrowserConfig, *bool) {
	t.Helper()
	var (
		got    config.BrowserConfig
		closed bool
	)
	orig := openLocator
	openLocator = func(_ context.Context, cfg config.BrowserConfig, _ *zap.Logger) (locator.Locator, func(), error) {
		got = cfg
		if err != nil {
			return nil, nil, err
		}
		return memdom.New(), func() { closed = true }, nil
	}
	t.Cleanup(func() { openLocator = orig })
	return &got, &closed
}

func executeRoot(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_VersionFlag(t *testing.T) {
	stubBrowser(t, nil)
	out, err := executeRoot(t, "", "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestRootCmd_OpensConsole(t *testing.T) {
	t.Setenv("CURATOR_BROWSER_HEADLESS", "true")
	t.Setenv("CURATOR_BROWSER_REMOTE_URL", "http://127.0.0.1:9222")
	got, closed := stubBrowser(t, nil)
	out, err := executeRoot(t, "status\nexit\n")
	require.NoError(t, err)

	assert.True(t, got.Headless)
	assert.Equal(t, "http://127.0.0.1:9222", got.RemoteURL)
	assert.True(t, *closed, "the browser is closed when the console exits")
	assert.Contains(t, out, "State: idle; run in progress: false.")
	assert.Contains(t, out, "Goodbye.")
}

func TestRootCmd_Errors(t *testing.T) {
	t.Run("browser fails to launch", func(t *testing.T) {
		stubBrowser(t, errors.New("chrome not found"))
		_, err := executeRoot(t, "")
		require.Error(t, err)
		assert.ErrorContains(t, err, "opening browser: chrome not found")
	})

	t.Run("invalid environment", func(t *testing.T) {
		t.Setenv("CURATOR_AUTOMATION_ITERATIONS", "0")
		_, closed := stubBrowser(t, nil)
		_, err := executeRoot(t, "")
		require.Error(t, err)
		assert.ErrorContains(t, err, "automation.iterations must satisfy gte=1")
		assert.False(t, *closed)
	})

	t.Run("positional arguments", func(t *testing.T) {
		stubBrowser(t, nil)
		_, err := executeRoot(t, "", "start")
		assert.Error(t, err)
	})

	t.Run("workflow flags are not accepted", func(t *testing.T) {
		for _, flag := range []string{"--headless", "--iterations=3", "--remote-url=http://127.0.0.1:9222"} {
			_, closed := stubBrowser(t, nil)
			_, err := executeRoot(t, "", flag)
			require.Error(t, err, flag)
			assert.ErrorContains(t, err, "unknown flag")
			assert.False(t, *closed)
		}
	})
}
