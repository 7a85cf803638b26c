package chat

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/peterh/liner"
)

// Prompter reads console input lines.
type Prompter interface {
	Prompt(p string) (string, error)
	AppendHistory(string)
	Close() error
}

type dumbterm struct {
	r   *bufio.Reader
	out io.Writer
}

func (d dumbterm) Prompt(p string) (string, error) {
	fmt.Fprint(d.out, p)
	line, err := d.r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (d dumbterm) AppendHistory(string) {}

func (d dumbterm) Close() error { return nil }

// NewPrompter uses line editing when the terminal supports it and falls back
// to plain line reads from in otherwise.
func NewPrompter(in io.Reader, out io.Writer, interactive bool) Prompter {
	if !interactive || !liner.TerminalSupported() {
		return dumbterm{r: bufio.NewReader(in), out: out}
	}
	lr := liner.NewLiner()
	lr.SetCtrlCAborts(true)
	lr.SetWordCompleter(commandCompleter)
	lr.SetTabCompletionStyle(liner.TabPrints)
	return lr
}

var commandWords = []string{"/connect", "/disconnect", "/refresh", "/profile ", "/status", "/quit"}

func commandCompleter(line string, pos int) (head string, completions []string, tail string) {
	word := line[:pos]
	if !strings.HasPrefix(word, "/") || strings.Contains(word, " ") {
		return word, nil, line[pos:]
	}
	for _, c := range commandWords {
		if strings.HasPrefix(c, word) {
			completions = append(completions, c)
		}
	}
	return "", completions, line[pos:]
}
