package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go-prover/config"
	"go-prover/program"
	"go-prover/prover"
	"go-prover/smt"
	"go-prover/smt/finite"
	"go-prover/spec"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Check the built-in token example job",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Default()
		if cfgFile != "" {
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				logger.Fatal("failed to load configuration", zap.Error(err))
			}
		}

		runner := &prover.Runner{
			Cfg:    cfg,
			Solver: finite.New(),
			Log:    logger,
		}
		rep, err := runner.Run(context.Background(), demoJob())
		if err != nil {
			logger.Fatal("run failed", zap.Error(err))
		}
		if err := rep.Render(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error rendering report: %v\n", err)
			os.Exit(1)
		}
		if rep.Violations() > 0 {
			os.Exit(1)
		}
	},
}

// demoJob is a small minting token with a ghost that mirrors net balance
// credits through a store hook. One assert rule and one satisfy rule.
func demoJob() *prover.Job {
	addr := common.HexToAddress("0x0000000000000000000000000000000000001001")

	token := &program.Contract{
		Name:    "Token",
		Address: addr,
		Layout: program.Layout{
			"balances":    uint256.NewInt(0),
			"totalSupply": uint256.NewInt(1),
		},
		Methods: map[string]*program.Method{},
	}
	token.Methods["mint(address,uint256)"] = &program.Method{
		Signature:  "mint(address,uint256)",
		Visibility: "external",
		Params:     []string{"to", "amount"},
		Body:       mintBody(addr),
	}

	ghost := &spec.GhostDecl{
		Name: "credits",
		Sort: smt.SortBv,
		Init: smt.Eq(smt.BvVar("credits"), smt.BvConst64(0)),
	}

	hook := &spec.HookBinding{
		Name:     "balanceWrite",
		Kind:     spec.HookSstore,
		Path:     program.NewAccessPath(addr, "balances", program.Step{Kind: program.StepKey, KeyVar: "who"}),
		ValueVar: "v",
		OldVar:   "prev",
		Body: []*program.Instruction{
			{Op: program.OpGhostLoad, Dst: "c", Ghost: "credits"},
			{
				Op:    program.OpGhostStore,
				Ghost: "credits",
				Expr:  smt.Add(smt.BvVar("c"), smt.Sub(smt.BvVar("v"), smt.BvVar("prev"))),
			},
		},
	}

	return &prover.Job{
		Symbols:   program.NewSymbolTable(token),
		Ghosts:    []*spec.GhostDecl{ghost},
		Hooks:     []*spec.HookBinding{hook},
		Summaries: spec.NewSummaries(),
		Rules: []*spec.Rule{
			mintSupplyRule(addr),
			mintCreditsRule(addr),
		},
	}
}

func mintBody(addr common.Address) *program.CFG {
	g := program.NewCFG()
	n := g.AddNode(
		&program.Instruction{Op: program.OpSload, Dst: "bal", Path: balancesAt(addr, smt.BvVar("to"))},
		&program.Instruction{
			Op:   program.OpSstore,
			Path: balancesAt(addr, smt.BvVar("to")),
			Expr: smt.Add(smt.BvVar("bal"), smt.BvVar("amount")),
		},
		&program.Instruction{Op: program.OpSload, Dst: "supply", Path: fieldAt(addr, "totalSupply")},
		&program.Instruction{
			Op:   program.OpSstore,
			Path: fieldAt(addr, "totalSupply"),
			Expr: smt.Add(smt.BvVar("supply"), smt.BvVar("amount")),
		},
		&program.Instruction{Op: program.OpStop},
	)
	g.Entry = n.ID
	return g
}

func mintSupplyRule(addr common.Address) *spec.Rule {
	g := program.NewCFG()
	n := g.AddNode(
		&program.Instruction{Op: program.OpSload, Dst: "pre", Path: fieldAt(addr, "totalSupply")},
		&program.Instruction{Op: program.OpCall, Call: mintCall(addr)},
		&program.Instruction{Op: program.OpSload, Dst: "post", Path: fieldAt(addr, "totalSupply")},
		&program.Instruction{
			Op:    program.OpAssert,
			Expr:  smt.Eq(smt.BvVar("post"), smt.Add(smt.BvVar("pre"), smt.BvVar("amt0"))),
			Label: "minting adds the amount to totalSupply",
		},
	)
	g.Entry = n.ID
	return &spec.Rule{Name: "mint_increases_supply", Body: g}
}

func mintCreditsRule(addr common.Address) *spec.Rule {
	g := program.NewCFG()
	n := g.AddNode(
		&program.Instruction{Op: program.OpCall, Call: mintCall(addr)},
		&program.Instruction{Op: program.OpGhostLoad, Dst: "c", Ghost: "credits"},
		&program.Instruction{
			Op:    program.OpSatisfy,
			Expr:  smt.Neq(smt.BvVar("c"), smt.BvConst64(0)),
			Label: "a mint can change the credit ghost",
		},
	)
	g.Entry = n.ID
	return &spec.Rule{Name: "mint_credits_witness", Body: g}
}

func mintCall(addr common.Address) *program.CallSite {
	return &program.CallSite{
		Receiver:  &addr,
		Signature: "mint(address,uint256)",
		Args:      []*smt.Term{smt.BvVar("to0"), smt.BvVar("amt0")},
	}
}

func balancesAt(addr common.Address, key *smt.Term) *program.AccessPath {
	return program.NewAccessPath(addr, "balances", program.Step{Kind: program.StepKey, Key: key})
}

func fieldAt(addr common.Address, base string) *program.AccessPath {
	return program.NewAccessPath(addr, base)
}
