// Package confirm wraps yes/no confirmation prompts.
package confirm

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Confirmer asks the user a yes/no question.
type Confirmer interface {
	Confirm(prompt string) bool
}

// Func adapts a plain function to Confirmer.
type Func func(prompt string) bool

// Confirm calls f.
func (f Func) Confirm(prompt string) bool { return f(prompt) }

// Always accepts every prompt without asking. Used for --yes.
var Always Confirmer = Func(func(string) bool { return true })

// Terminal prompts on Out and reads the answer from In.
type Terminal struct {
	In  io.Reader
	Out io.Writer
}

// Confirm accepts "y" or "yes" in any case. Anything else, including a read
// error or EOF, is a rejection.
func (t Terminal) Confirm(prompt string) bool {
	fmt.Fprintf(t.Out, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(t.In).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
