// Package repl implements the node's external CLI (spec.md §6's "Node
// CLI"): a bufio.Scanner loop translating typed commands one-for-one
// into consensus.Command values and printing back whatever Result comes
// out, with no business logic of its own — the same thin-translation
// shape internal/relay.Admin uses on the relay side.
package repl

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/posforge/posforge/internal/consensus"
)

// REPL reads commands from in, sends them to cmds, and writes responses
// to out.
type REPL struct {
	id   string
	in   *bufio.Scanner
	out  io.Writer
	cmds chan consensus.Command
}

// New builds a REPL for the node identified by id, issuing commands
// against cmds (the node's own consensus.Node.Run command channel).
func New(id string, in io.Reader, out io.Writer, cmds chan consensus.Command) *REPL {
	return &REPL{id: id, in: bufio.NewScanner(in), out: out, cmds: cmds}
}

// Run blocks reading lines until input is exhausted or `exit` is typed,
// returning true in the latter case.
func (r *REPL) Run() (exit bool) {
	for r.in.Scan() {
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}
		if r.dispatch(line) {
			return true
		}
	}
	return false
}

func (r *REPL) dispatch(line string) (exit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "tx":
		r.handleTx(fields)
	case "stake":
		r.handleStakeUnstake(fields, consensus.CmdStake)
	case "unstake":
		r.handleStakeUnstake(fields, consensus.CmdUnstake)
	case "forge":
		r.handleForge(fields)
	case "sync":
		r.send(consensus.Command{Kind: consensus.CmdSync})
	case "chain":
		r.handleChain()
	case "wallet":
		r.handleWallet()
	case "mempool":
		r.handleMempool()
	case "info":
		r.send(consensus.Command{Kind: consensus.CmdInfo})
	case "nodes":
		r.send(consensus.Command{Kind: consensus.CmdNodes})
	case "exit":
		fmt.Fprintln(r.out, "bye")
		return true
	default:
		fmt.Fprintf(r.out, "unknown command: %s\n", fields[0])
	}
	return false
}

func (r *REPL) handleTx(fields []string) {
	if len(fields) != 3 {
		fmt.Fprintln(r.out, "usage: tx <to> <amount>")
		return
	}
	amount, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		fmt.Fprintf(r.out, "invalid amount: %s\n", fields[2])
		return
	}
	r.send(consensus.Command{Kind: consensus.CmdTx, Sender: r.id, Receiver: fields[1], Amount: amount})
}

func (r *REPL) handleStakeUnstake(fields []string, kind consensus.CommandKind) {
	if len(fields) != 2 {
		fmt.Fprintln(r.out, "usage: stake|unstake <amount>")
		return
	}
	amount, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		fmt.Fprintf(r.out, "invalid amount: %s\n", fields[1])
		return
	}
	r.send(consensus.Command{Kind: kind, Sender: r.id, Amount: amount})
}

func (r *REPL) handleForge(fields []string) {
	force := len(fields) == 2 && fields[1] == "--force"
	r.send(consensus.Command{Kind: consensus.CmdForge, Force: force})
}

func (r *REPL) handleChain() {
	res := r.doSend(consensus.Command{Kind: consensus.CmdChain})
	if !res.OK {
		fmt.Fprintf(r.out, "error: %s\n", res.Reason)
		return
	}
	info := res.Data.(consensus.ChainInfo)
	fmt.Fprintf(r.out, "height=%d head=%s\n", info.Height, info.Head)
	for _, b := range info.Blocks {
		fmt.Fprintln(r.out, "  "+b.String())
	}
}

func (r *REPL) handleWallet() {
	res := r.doSend(consensus.Command{Kind: consensus.CmdWallet, Sender: r.id})
	if !res.OK {
		fmt.Fprintf(r.out, "error: %s\n", res.Reason)
		return
	}
	info := res.Data.(consensus.WalletInfo)
	for id, a := range info.Accounts {
		fmt.Fprintf(r.out, "%s: balance=%.2f stake=%.2f\n", id, a.Balance, a.Stake)
	}
}

func (r *REPL) handleMempool() {
	res := r.doSend(consensus.Command{Kind: consensus.CmdMempool})
	if !res.OK {
		fmt.Fprintf(r.out, "error: %s\n", res.Reason)
		return
	}
	fmt.Fprintf(r.out, "pending=%d\n", res.Data.(int))
}

// send issues cmd and prints its Result's ok/reason line, the uniform
// response format spec.md §7 requires for every command-line response.
func (r *REPL) send(cmd consensus.Command) {
	res := r.doSend(cmd)
	if res.OK {
		fmt.Fprintln(r.out, "ok")
		return
	}
	fmt.Fprintf(r.out, "error: %s\n", res.Reason)
}

func (r *REPL) doSend(cmd consensus.Command) consensus.Result {
	reply := make(chan consensus.Result, 1)
	cmd.Reply = reply
	r.cmds <- cmd
	return <-reply
}
