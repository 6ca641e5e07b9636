package consensus

import (
	"github.com/posforge/posforge/internal/chain"
)

// handleCommand translates one REPL-originated Command into state
// machine actions and always writes exactly one Result to cmd.Reply (if
// non-nil), per spec.md §7's "responses include a success/failure
// status".
func (n *Node) handleCommand(cmd Command) {
	switch cmd.Kind {
	case cmdSyncTimeout:
		n.finishSync()
		return
	case CmdTx:
		n.handleTxCommand(cmd, chain.Transfer)
	case CmdStake:
		n.handleTxCommand(cmd, chain.Stake)
	case CmdUnstake:
		n.handleTxCommand(cmd, chain.Unstake)
	case CmdForge:
		n.handleForgeCommand(cmd)
	case CmdSync:
		n.startSync(cmd.Reply)
	case CmdChain:
		n.handleChainCommand(cmd)
	case CmdWallet:
		n.handleWalletCommand(cmd)
	case CmdMempool:
		n.handleMempoolCommand(cmd)
	case CmdInfo:
		n.handleInfoCommand(cmd)
	case CmdNodes:
		reply(cmd, Result{OK: true})
	default:
		reply(cmd, Result{OK: false, Reason: "consensus: unknown command"})
	}
}

func reply(cmd Command, res Result) {
	if cmd.Reply != nil {
		cmd.Reply <- res
	}
}

// handleTxCommand builds, checks, and broadcasts a self-originated
// transaction of the given kind, reusing the exact tx struct that an
// equivalent TRANSACTION frame from the network would carry.
func (n *Node) handleTxCommand(cmd Command, kind chain.Kind) {
	receiver := cmd.Receiver
	if kind != chain.Transfer {
		receiver = cmd.Sender // stake/unstake moves funds within one account
	}
	tx := chain.NewTransaction(cmd.Sender, receiver, cmd.Amount, nowSeconds(), kind)

	if !n.store.LiveLedger().Applicable(tx) {
		reply(cmd, Result{OK: false, Reason: "transaction is not applicable against the current chain state"})
		return
	}
	if err := n.mempool.CheckTx(tx); err != nil {
		reply(cmd, Result{OK: false, Reason: err.Error()})
		return
	}
	n.metrics.MempoolSize.Set(float64(n.mempool.Size()))
	n.out <- transactionMessage(tx)
	reply(cmd, Result{OK: true})
}

func (n *Node) handleForgeCommand(cmd Command) {
	b, err := n.Forge(cmd.Force)
	if err != nil {
		reply(cmd, Result{OK: false, Reason: err.Error()})
		return
	}
	reply(cmd, Result{OK: true, Data: b})
}

func (n *Node) handleChainCommand(cmd Command) {
	head := n.store.Head()
	reply(cmd, Result{OK: true, Data: ChainInfo{
		Height: head.Index(),
		Head:   head.Hash(),
		Blocks: n.store.Chain(),
	}})
}

func (n *Node) handleWalletCommand(cmd Command) {
	ledger := n.store.LiveLedger()
	accounts := make(map[string]AccountInfo)
	for _, id := range ledger.KnownValidators() {
		a := ledger.Get(id)
		accounts[id] = AccountInfo{Balance: a.Balance, Stake: a.Stake}
	}
	if cmd.Sender != "" {
		a := ledger.Get(cmd.Sender)
		accounts[cmd.Sender] = AccountInfo{Balance: a.Balance, Stake: a.Stake}
	}
	reply(cmd, Result{OK: true, Data: WalletInfo{Accounts: accounts}})
}

func (n *Node) handleMempoolCommand(cmd Command) {
	reply(cmd, Result{OK: true, Data: n.mempool.Size()})
}

func (n *Node) handleInfoCommand(cmd Command) {
	head := n.store.Head()
	reply(cmd, Result{OK: true, Data: ChainInfo{Height: head.Index(), Head: head.Hash()}})
}
