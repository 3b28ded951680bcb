package planner

import (
	"github.com/chzyer/readline"
)

// Input produces user lines for the planner loop. Production uses readline;
// tests feed scripted lines.
type Input interface {
	// ReadLine blocks for the next line. io.EOF ends the session;
	// readline.ErrInterrupt requests a stop.
	ReadLine() (string, error)
	Close() error
}

// ReadlineInput is the readline-backed Input with history and line editing.
type ReadlineInput struct {
	rl *readline.Instance
}

// NewReadlineInput opens the terminal with the given prompt and history
// file. An empty historyFile disables persistent history.
func NewReadlineInput(prompt, historyFile string) (*ReadlineInput, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "bye",
	})
	if err != nil {
		return nil, err
	}
	return &ReadlineInput{rl: rl}, nil
}

func (r *ReadlineInput) ReadLine() (string, error) {
	return r.rl.Readline()
}

func (r *ReadlineInput) Close() error {
	return r.rl.Close()
}
