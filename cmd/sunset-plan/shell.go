package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"

	"github.com/k2io/sunset/internal/plan"
)

func completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(plan.Commands))
	for _, c := range plan.Commands {
		switch c {
		case "debug":
			items = append(items, readline.PcItem(c, readline.PcItem("on"), readline.PcItem("off")))
		default:
			items = append(items, readline.PcItem(c))
		}
	}
	return readline.NewPrefixCompleter(items...)
}

func filterInput(r rune) (rune, bool) {
	switch r {
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func shell() error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:              "sunset > ",
		HistoryFile:         filepath.Join(os.TempDir(), "sunset-plan.history"),
		AutoComplete:        completer(),
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	s := plan.NewSession(l.Stdout())
	defer s.Close()
	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		quit, err := s.Exec(line)
		if err != nil {
			fmt.Fprintln(l.Stderr(), err)
		}
		if quit {
			return nil
		}
	}
}
