package utils

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTimecode(t *testing.T) {
	cases := map[float64]string{
		0:        "00:00:00.000",
		1.5:      "00:00:01.500",
		61.042:   "00:01:01.042",
		3725.999: "01:02:05.999",
		-3:       "00:00:00.000",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatTimecode(in), "input %v", in)
	}
}

func TestParseTimecode(t *testing.T) {
	secs, err := ParseTimecode("01:02:05.250")
	require.NoError(t, err)
	assert.InDelta(t, 3725.25, secs, 1e-9)

	secs, err = ParseTimecode(FormatTimecode(12.345))
	require.NoError(t, err)
	assert.InDelta(t, 12.345, secs, 1e-9)

	_, err = ParseTimecode("12.3")
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	if !BinaryAvailable("sh") {
		t.Skip("sh not available")
	}
	ctx := context.Background()

	out, errOut, err := RunCommand(ctx, "sh", "-c", "echo hello; echo warn >&2")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
	assert.Equal(t, "warn", errOut)

	_, _, err = RunCommand(ctx, "sh", "-c", "echo 'ERROR: unsupported URL' >&2; exit 1")
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "ERROR: unsupported URL", cmdErr.Stderr)
}

func TestRunCommand_MissingBinary(t *testing.T) {
	_, _, err := RunCommand(context.Background(), "definitely-not-a-real-binary-xyz")
	require.Error(t, err)
	var cmdErr *CommandError
	assert.False(t, errors.As(err, &cmdErr))
}

func TestFileHelpers(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(dir))
	assert.True(t, FileExists(dir))
	assert.False(t, FileExists(filepath.Join(dir, "missing")))
}
