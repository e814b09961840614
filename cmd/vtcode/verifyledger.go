package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinhnx/vtcode/pkg/decisionledger"
)

func newVerifyLedgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-ledger",
		Short: "Verify the decision ledger's hash chain and report any tampering",
		RunE:  runVerifyLedger,
	}
}

func runVerifyLedger(_ *cobra.Command, _ []string) error {
	ledger, err := decisionledger.NewLogger(decisionledger.DefaultConfig())
	if err != nil {
		return fmt.Errorf("open decision ledger: %w", err)
	}
	defer ledger.Close()

	valid, err := ledger.VerifyChain()
	if err != nil {
		return fmt.Errorf("ledger chain invalid: %w", err)
	}
	if valid {
		fmt.Println("decision ledger: chain intact")
	}
	return nil
}
