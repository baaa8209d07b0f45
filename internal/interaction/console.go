// Package interaction provides the console implementation of the
// human-in-the-loop surface: questions and confirmations over stdin/stdout.
package interaction

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/xkilldash9x/steersman/api/schemas"
)

// Console asks the operator over a terminal. Reads are serialized; a
// cancelled context abandons the wait but cannot unblock the underlying read.
type Console struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

var _ schemas.Interactor = (*Console)(nil)

// NewConsole creates a console interactor over the given streams.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out}
}

// Ask prints the prompt and blocks for one line of input.
func (c *Console) Ask(ctx context.Context, prompt string) (string, error) {
	line, err := c.readLine(ctx, prompt+"\n> ")
	if err != nil {
		return "", err
	}
	return line, nil
}

// Confirm prints a yes/no prompt. Empty input and anything starting with "y"
// counts as yes.
func (c *Console) Confirm(ctx context.Context, prompt string) (bool, error) {
	line, err := c.readLine(ctx, prompt+" [Y/n] ")
	if err != nil {
		return false, err
	}
	line = strings.ToLower(line)
	return line == "" || strings.HasPrefix(line, "y"), nil
}

func (c *Console) readLine(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprint(c.out, prompt)

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := c.in.ReadString('\n')
		ch <- result{line: strings.TrimSpace(line), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil && r.line == "" {
			return "", fmt.Errorf("reading operator input: %w", r.err)
		}
		return r.line, nil
	}
}
