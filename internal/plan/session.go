package plan

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/k2io/sunset"
	"github.com/k2io/sunset/internal/image"
)

// Commands lists the words a Session understands, for completion.
var Commands = []string{"open", "syms", "plan", "bytes", "callback", "debug", "help", "quit"}

const usage = `open <image>             load an image to plan against
syms [prefix]            list symbols of the image
plan <symbol|address>    plan a hook in the image
bytes <address> <hex>    plan a hook on raw code
callback <address>       set the callback address used by plans
debug on|off             engine debug logging
help
quit
`

// Session is the state of an interactive planning shell.
type Session struct {
	Out      io.Writer
	Callback uint32
	img      *image.Image
}

func NewSession(out io.Writer) *Session {
	return &Session{Out: out, Callback: DefaultCallback}
}

// Close releases the open image.
func (s *Session) Close() error {
	if s.img == nil {
		return nil
	}
	err := s.img.Close()
	s.img = nil
	return err
}

// Exec runs one command line. quit is set when the shell should exit.
func (s *Session) Exec(line string) (quit bool, err error) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return false, nil
	}
	args := words[1:]
	switch words[0] {
	case "q", "quit", "exit":
		return true, nil
	case "help", "?":
		fmt.Fprint(s.Out, usage)
	case "open":
		err = s.open(args)
	case "syms":
		err = s.syms(args)
	case "plan", "p":
		err = s.plan(args)
	case "bytes", "b":
		err = s.bytes(args)
	case "callback":
		if len(args) != 1 {
			return false, errors.New("usage: callback <address>")
		}
		s.Callback, err = parseAddr(args[0])
	case "debug":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return false, errors.New("usage: debug on|off")
		}
		sunset.SetDebug(args[0] == "on")
	default:
		err = errors.Errorf("unknown command %q, try help", words[0])
	}
	return false, err
}

func (s *Session) open(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: open <image>")
	}
	img, err := image.Open(args[0])
	if err != nil {
		return err
	}
	s.Close()
	s.img = img
	fmt.Fprintf(s.Out, "%s: %s image, base %#x\n", args[0], img.Format(), img.Base())
	return nil
}

func (s *Session) syms(args []string) error {
	if s.img == nil {
		return errors.New("no image open")
	}
	names, err := s.img.Names()
	if err != nil {
		return err
	}
	syms, _ := s.img.Symbols()
	for _, n := range names {
		if len(args) > 0 && !strings.HasPrefix(n, args[0]) {
			continue
		}
		fmt.Fprintf(s.Out, "%#08x  %s\n", syms[n], n)
	}
	return nil
}

func (s *Session) plan(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: plan <symbol|address>")
	}
	if s.img == nil {
		return errors.New("no image open")
	}
	var p *Plan
	var err error
	if va, perr := parseAddr(args[0]); perr == nil {
		p, err = FromImage(s.img, "", "", uint64(va), s.Callback)
	} else {
		p, err = FromImage(s.img, args[0], args[0], 0, s.Callback)
	}
	if err != nil {
		return err
	}
	p.Print(s.Out)
	return nil
}

func (s *Session) bytes(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: bytes <address> <hex>")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	code, err := ParseHex(strings.Join(args[1:], ""))
	if err != nil {
		return err
	}
	Build(fmt.Sprintf("%#x", addr), addr, code, s.Callback).Print(s.Out)
	return nil
}

func parseAddr(text string) (uint32, error) {
	v, err := strconv.ParseUint(text, 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "address %q", text)
	}
	return uint32(v), nil
}
