package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "devicelink", cmd.Use)
	assert.Contains(t, cmd.Long, "PIN")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"host", "join"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err, "command %s should exist", name)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	t.Setenv("DEVICELINK_SERVER", "")
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "false", verbose.DefValue)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	server := cmd.PersistentFlags().Lookup("server")
	require.NotNil(t, server)
	assert.Equal(t, defaultServer, server.DefValue)
}

func TestServerFlagFromEnvironment(t *testing.T) {
	t.Setenv("DEVICELINK_SERVER", "https://link.example")
	cmd := NewRootCommand()
	assert.Equal(t, "https://link.example", cmd.PersistentFlags().Lookup("server").DefValue)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "xml", "join", "1234"})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestJoinRequiresOneArgument(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"join"})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	assert.Error(t, cmd.Execute())
}

func TestHostPinFlag(t *testing.T) {
	cmd := NewRootCommand()
	host, _, err := cmd.Find([]string{"host"})
	require.NoError(t, err)

	pin := host.Flags().Lookup("pin")
	require.NotNil(t, pin)
	assert.Equal(t, "true", pin.DefValue)
}
