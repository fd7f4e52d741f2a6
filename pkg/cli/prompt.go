// Package cli provides interactive terminal prompt helpers for the setup wizard.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers from In and writes questions to Out.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	reader *bufio.Reader
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// line reads one trimmed line. EOF yields whatever was read so far.
func (p *Prompter) line() string {
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}
	s, _ := p.reader.ReadString('\n')
	return strings.TrimSpace(s)
}

// Ask prints question with its default and returns the answer, or the
// default when the answer is blank.
func (p *Prompter) Ask(question, def string) string {
	if def != "" {
		p.printf("%s [%s]: ", question, def)
	} else {
		p.printf("%s: ", question)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return def
}

// AskValid repeats Ask until check accepts the answer. maxTries bounds the
// loop for non-interactive input; after that the default is returned.
func (p *Prompter) AskValid(question, def string, check func(string) error) string {
	const maxTries = 5
	for i := 0; i < maxTries; i++ {
		ans := p.Ask(question, def)
		err := check(ans)
		if err == nil {
			return ans
		}
		p.printf("  %v\n", err)
	}
	return def
}

// AskPassword reads a secret without echo when In is a terminal, and as a
// plain line otherwise (piped input, tests).
func (p *Prompter) AskPassword(question string) string {
	p.printf("%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.line()
}

// Choose lists options and returns the one picked by number. Blank or invalid
// answers fall back to the default option.
func (p *Prompter) Choose(question string, options []string, def int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		mark := " "
		if i == def {
			mark = "*"
		}
		p.printf("  %s %d) %s\n", mark, i+1, opt)
	}
	ans := p.AskValid("  Choice", strconv.Itoa(def+1), func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > len(options) {
			return fmt.Errorf("enter a number between 1 and %d", len(options))
		}
		return nil
	})
	n, _ := strconv.Atoi(ans)
	return options[n-1]
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defYes bool) bool {
	hint := "y/N"
	if defYes {
		hint = "Y/n"
	}
	switch strings.ToLower(p.Ask(question+" ("+hint+")", "")) {
	case "":
		return defYes
	case "y", "yes":
		return true
	default:
		return false
	}
}
