package monitor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	content := `# comment line, ignored
afd_paris host1.example:host2.example 4329:4330 60 rafdd
afd_london host3.example 4329 30 rafdd disable
`
	path := filepath.Join(t.TempDir(), "AFD_MON_CONFIG")
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))

	cfgs, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	require.Equal(t, "afd_paris", cfgs[0].Alias)
	require.Equal(t, "host1.example", cfgs[0].Host1)
	require.Equal(t, "host2.example", cfgs[0].Host2)
	require.Equal(t, 4329, cfgs[0].Port1)
	require.Equal(t, 4330, cfgs[0].Port2)
	require.Equal(t, 60, cfgs[0].PollSeconds)
	require.False(t, cfgs[0].Disabled)

	require.Equal(t, "afd_london", cfgs[1].Alias)
	require.Equal(t, "host3.example", cfgs[1].Host1)
	require.Empty(t, cfgs[1].Host2)
	require.Equal(t, 4329, cfgs[1].Port1)
	require.Equal(t, 4329, cfgs[1].Port2)
	require.True(t, cfgs[1].Disabled)
}

func TestLoadConfigRejectsShortLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "AFD_MON_CONFIG")
	require.NoError(t, os.WriteFile(path, []byte("afd_a host1 4329\n"), 0640))

	_, err := LoadConfig(path)
	require.Error(t, err)
}
