package challenge

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPromptSolveWritesImageAndReadsAnswer(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "captcha.png")
	var out bytes.Buffer
	p, err := NewPrompt(path, strings.NewReader("  xk7p \nsecond\n"), &out, nil)
	require.NoError(t, err)

	answer, err := p.Solve(context.Background(), []byte("png-bytes"))
	require.NoError(t, err)
	require.Equal(t, "xk7p", answer)
	require.Contains(t, out.String(), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("png-bytes"), data)

	answer, err = p.Solve(context.Background(), []byte("again"))
	require.NoError(t, err)
	require.Equal(t, "second", answer)
}

func TestPromptSolveErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p, err := NewPrompt(filepath.Join(dir, "c.png"), strings.NewReader("\n"), nil, nil)
	require.NoError(t, err)

	_, err = p.Solve(context.Background(), nil)
	require.ErrorIs(t, err, errNoImage)

	_, err = p.Solve(context.Background(), []byte("img"))
	require.ErrorIs(t, err, errEmptyAnswer)

	_, err = p.Solve(context.Background(), []byte("img"))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestPromptSolveHonorsContext(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	t.Cleanup(func() { _ = w.Close() })
	p, err := NewPrompt(filepath.Join(t.TempDir(), "c.png"), r, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Solve(ctx, []byte("img"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewPromptValidates(t *testing.T) {
	t.Parallel()

	_, err := NewPrompt("", strings.NewReader(""), nil, nil)
	require.Error(t, err)
	_, err = NewPrompt("c.png", nil, nil, nil)
	require.Error(t, err)
}
