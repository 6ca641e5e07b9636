package relay

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/posforge/posforge/internal/wire"
)

// Admin is the relay's stdin command loop (spec.md §6's "relay admin
// commands"), deliberately thin: every line maps to one Hub call and a
// one-line response, the same translation-only shape internal/repl uses
// on the node side.
type Admin struct {
	hub *Hub
	in  *bufio.Scanner
	out io.Writer
	log *logrus.Logger
}

// NewAdmin builds an Admin reading commands from in and writing
// responses to out (stdin/stdout in cmd/relay).
func NewAdmin(hub *Hub, in io.Reader, out io.Writer, log *logrus.Logger) *Admin {
	return &Admin{hub: hub, in: bufio.NewScanner(in), out: out, log: log}
}

// Run blocks reading commands until the input is exhausted or `exit` is
// entered, returning true in the latter case.
func (a *Admin) Run() (exit bool) {
	for a.in.Scan() {
		line := strings.TrimSpace(a.in.Text())
		if line == "" {
			continue
		}
		if a.dispatch(line) {
			return true
		}
	}
	return false
}

func (a *Admin) dispatch(line string) (exit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "step":
		a.hub.Broadcast(wire.Step{})
		a.println("ok")
	case "stop":
		a.hub.SetAutoStep(false)
		a.println("ok")
	case "continue":
		a.hub.SetAutoStep(true)
		a.println("ok")
	case "drop":
		a.handleDrop(fields)
	case "delay":
		a.handleDelay(fields)
	case "threshold":
		a.handleThreshold(fields)
	case "detect", "attacks":
		a.printSummary()
	case "exit":
		a.println("bye")
		return true
	default:
		a.println(fmt.Sprintf("unknown command: %s", fields[0]))
	}
	return false
}

func (a *Admin) handleDrop(fields []string) {
	if len(fields) != 3 {
		a.println("usage: drop <id> on|off|toggle")
		return
	}
	if !a.hub.SetDrop(fields[1], fields[2]) {
		a.println(fmt.Sprintf("unknown node: %s", fields[1]))
		return
	}
	a.println("ok")
}

func (a *Admin) handleDelay(fields []string) {
	if len(fields) != 3 {
		a.println("usage: delay <id> <ms|off>")
		return
	}
	var d time.Duration
	if fields[2] != "off" {
		ms, err := strconv.Atoi(fields[2])
		if err != nil {
			a.println(fmt.Sprintf("invalid delay: %s", fields[2]))
			return
		}
		d = time.Duration(ms) * time.Millisecond
	}
	if !a.hub.SetDelay(fields[1], d) {
		a.println(fmt.Sprintf("unknown node: %s", fields[1]))
		return
	}
	a.println("ok")
}

func (a *Admin) handleThreshold(fields []string) {
	if len(fields) != 2 {
		a.println("usage: threshold <x>")
		return
	}
	x, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		a.println(fmt.Sprintf("invalid threshold: %s", fields[1]))
		return
	}
	a.hub.SetThreshold(x)
	a.println("ok")
}

func (a *Admin) printSummary() {
	s := a.hub.Summary()
	a.println(fmt.Sprintf("threshold=%.2f peers=%d", s.Threshold, len(s.Peers)))
	for id, p := range s.Peers {
		a.println(fmt.Sprintf("  %s: frames=%d dropped=%t delay=%s recent=%s",
			id, p.Frames, p.Dropped, p.Delay, strings.Join(p.Recent, ",")))
	}
}

func (a *Admin) println(s string) {
	fmt.Fprintln(a.out, s)
}
