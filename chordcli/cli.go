// Package chordcli implements the interactive shell of spec.md §6: ls,
// jr, hl, help, plus the long forms and read-eval loop recovered from
// command_handler.py. It talks to a *controller.Controller only, never
// to chordnet or transport directly.
package chordcli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"multichord/chorderr"
	"multichord/controller"
	"multichord/id"
)

// Shell is the REPL over a Controller.
type Shell struct {
	ctrl        *controller.Controller
	fetchTimeout time.Duration
	out         io.Writer
	in          *bufio.Scanner
}

// New builds a Shell reading commands from stdin and writing to stdout.
func New(ctrl *controller.Controller, fetchTimeout time.Duration) *Shell {
	return &Shell{
		ctrl:         ctrl,
		fetchTimeout: fetchTimeout,
		out:          os.Stdout,
		in:           bufio.NewScanner(os.Stdin),
	}
}

// Run reads and dispatches commands until stdin closes or "exit" is typed.
func (s *Shell) Run() {
	fmt.Fprintln(s.out, "multichord ready -- type 'help' for commands")
	for {
		fmt.Fprint(s.out, "> ")
		if !s.in.Scan() {
			return
		}
		line := strings.TrimSpace(s.in.Text())
		if line == "" {
			continue
		}
		if s.dispatch(line) {
			return
		}
	}
}

// dispatch runs one line; it returns true if the shell should stop.
func (s *Shell) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "ls", "list-virtual-nodes":
		s.cmdList()
	case "jr", "join-remote":
		s.cmdJoinRemote(args)
	case "hl", "host-local":
		s.cmdHostLocal(args)
	case "help":
		s.cmdHelp()
	case "exit", "quit":
		return true
	default:
		fmt.Fprintln(s.out, color.RedString("unknown command %q -- try 'help'", cmd))
	}
	return false
}

func (s *Shell) cmdHelp() {
	fmt.Fprintln(s.out, `commands:
  ls,  list-virtual-nodes            list locally hosted/joined ids
  jr <id-hex> <file>, join-remote    fetch id from the ring, write to file
  hl <file>, host-local               hash file's content and host it
  help                                this message
  exit, quit                          leave the shell`)
}

func (s *Shell) cmdList() {
	entries := s.ctrl.List()
	if len(entries) == 0 {
		fmt.Fprintln(s.out, "(no local virtual nodes)")
		return
	}
	for _, e := range entries {
		if e.HasValue {
			fmt.Fprintln(s.out, color.GreenString("%s  has-value", e.ID))
		} else {
			fmt.Fprintln(s.out, color.YellowString("%s  pending", e.ID))
		}
	}
}

func (s *Shell) cmdJoinRemote(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(s.out, color.RedString("usage: jr <id-hex> <file>"))
		return
	}
	targetID, err := id.FromHex(args[0])
	if err != nil {
		fmt.Fprintln(s.out, color.RedString("jr: %v", err))
		return
	}
	fileName := args[1]

	value, err := s.ctrl.Fetch(targetID, s.fetchTimeout)
	if err != nil {
		fmt.Fprintln(s.out, color.RedString("jr: fetch %s: %v", targetID, err))
		return
	}
	if got := id.FromContent(value); !got.Equal(targetID) {
		fmt.Fprintln(s.out, color.RedString("jr: %v: requested %s, received content hashing to %s", chorderr.ErrHashMismatch, targetID, got))
		return
	}
	if err := os.WriteFile(fileName, value, 0o644); err != nil {
		fmt.Fprintln(s.out, color.RedString("jr: write %s: %v", fileName, err))
		return
	}
	fmt.Fprintln(s.out, color.GreenString("jr: wrote %d bytes to %s", len(value), fileName))
}

func (s *Shell) cmdHostLocal(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, color.RedString("usage: hl <file>"))
		return
	}
	value, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintln(s.out, color.RedString("hl: read %s: %v", args[0], err))
		return
	}
	hostedID, err := s.ctrl.Host(value)
	if err != nil {
		fmt.Fprintln(s.out, color.RedString("hl: %v", err))
		return
	}
	fmt.Fprintln(s.out, color.GreenString("hl: hosting %s (%d bytes)", hostedID, len(value)))
}
