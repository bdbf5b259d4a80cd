package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunPostExecSubstitutesPath(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	err := RunPostExec(context.Background(), "touch %s", marker, "host_a", 0)
	require.NoError(t, err)
	_, statErr := os.Stat(marker)
	require.NoError(t, statErr)
}

func TestRunPostExecNoopWhenEmpty(t *testing.T) {
	require.NoError(t, RunPostExec(context.Background(), "", "/tmp/x", "host_a", 0))
}

func TestExpandTemplateSubstitutesTokens(t *testing.T) {
	args := expandTemplate("cmd -f %s -x", "/tmp/file", "host_a")
	require.Equal(t, []string{"cmd", "-f", "/tmp/file", "-x"}, args)

	args = expandTemplate("notify %h %s", "/tmp/file", "host_a")
	require.Equal(t, []string{"notify", "host_a", "/tmp/file"}, args)
}
