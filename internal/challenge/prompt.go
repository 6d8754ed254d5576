// Package challenge asks a human to answer the image challenges the storefront
// shows during sign-in.
package challenge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
)

var (
	errNoImage     = errors.New("challenge image is empty")
	errEmptyAnswer = errors.New("empty challenge answer")
)

// Prompt implements crawler.ChallengeSolver by writing the challenge image to
// a file and reading the answer as one line from an input stream.
type Prompt struct {
	imagePath string
	out       io.Writer
	logger    *zap.Logger

	in    *bufio.Reader
	once  sync.Once
	lines chan line
}

type line struct {
	text string
	err  error
}

var _ crawler.ChallengeSolver = (*Prompt)(nil)

// NewPrompt builds a Prompt. The image is written to imagePath; the question is
// printed to out and answered on in.
func NewPrompt(imagePath string, in io.Reader, out io.Writer, logger *zap.Logger) (*Prompt, error) {
	if strings.TrimSpace(imagePath) == "" {
		return nil, errors.New("challenge image path is required")
	}
	if in == nil {
		return nil, errors.New("challenge input is required")
	}
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prompt{
		imagePath: imagePath,
		out:       out,
		logger:    logger,
		in:        bufio.NewReader(in),
		lines:     make(chan line, 1),
	}, nil
}

// Solve saves image and blocks until an answer line arrives or ctx is done.
func (p *Prompt) Solve(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", errNoImage
	}
	if dir := filepath.Dir(p.imagePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create challenge dir: %w", err)
		}
	}
	if err := os.WriteFile(p.imagePath, image, 0o600); err != nil {
		return "", fmt.Errorf("write challenge image: %w", err)
	}
	p.logger.Info("challenge image saved", zap.String("path", p.imagePath))
	if _, err := fmt.Fprintf(p.out, "Open %s and type the characters shown: ", p.imagePath); err != nil {
		return "", fmt.Errorf("write prompt: %w", err)
	}

	p.once.Do(func() { go p.readLines() })
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("wait for challenge answer: %w", ctx.Err())
	case l, ok := <-p.lines:
		if !ok {
			return "", fmt.Errorf("read challenge answer: %w", io.ErrUnexpectedEOF)
		}
		if l.err != nil {
			return "", fmt.Errorf("read challenge answer: %w", l.err)
		}
		answer := strings.TrimSpace(l.text)
		if answer == "" {
			return "", errEmptyAnswer
		}
		return answer, nil
	}
}

// readLines pumps input lines so a cancelled Solve never leaves a reader
// blocked on the stream.
func (p *Prompt) readLines() {
	defer close(p.lines)
	for {
		text, err := p.in.ReadString('\n')
		if text != "" || err == nil {
			p.lines <- line{text: text}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.lines <- line{err: err}
			}
			return
		}
	}
}
