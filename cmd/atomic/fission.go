package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"atomic-network/core"
)

func newFissionCmd() *cobra.Command {
	var (
		tokenID  string
		blobB64  string
		dataHex  string
		filePath string
	)
	cmd := &cobra.Command{
		Use:   "fission",
		Short: "Shard a payload into bit atoms and distribute them across the node roster",
		Run: func(cmd *cobra.Command, args []string) {
			runFission(tokenID, blobB64, dataHex, filePath)
		},
	}
	cmd.Flags().StringVar(&tokenID, "token", "", "token id presented for this operation")
	cmd.Flags().StringVar(&blobB64, "blob", "", "base64-encoded encrypted presentation blob")
	cmd.Flags().StringVar(&dataHex, "data", "", "payload bytes, hex-encoded")
	cmd.Flags().StringVar(&filePath, "file", "", "path to a file to shard")
	return cmd
}

func runFission(tokenID, blobB64, dataHex, filePath string) {
	if tokenID == "" || blobB64 == "" {
		fail(fmt.Errorf("--token and --blob are required"), 3)
	}
	if (dataHex == "") == (filePath == "") {
		fail(fmt.Errorf("exactly one of --data or --file must be given"), 3)
	}

	var payload []byte
	if dataHex != "" {
		b, err := decodeHexPayload(dataHex)
		if err != nil {
			fail(fmt.Errorf("decode --data: %w", err), 3)
		}
		payload = b
	}

	blob, err := core.DecodePresentationBase64(blobB64)
	if err != nil {
		fail(fmt.Errorf("decode --blob: %w", err), 3)
	}

	cfg := loadConfig()
	metrics := newMetrics()
	ledger, err := core.NewLedgerStore(core.LedgerConfig{RootDir: ledgerDir(cfg)})
	if err != nil {
		fail(fmt.Errorf("open ledger: %w", err), 4)
	}
	ledger.Metrics = metrics
	registry, err := core.NewTokenRegistry(core.TokenRegistryConfig{
		RootDir:  ledgerDir(cfg),
		SignAlgo: signAlgo(cfg),
		Metrics:  metrics,
	}, ledger)
	if err != nil {
		fail(fmt.Errorf("open token registry: %w", err), 4)
	}

	addr := core.DeriveAddress("CLI", "fission", []byte(tokenID))
	roster := cfg.Nodes.Roster
	if len(roster) == 0 {
		roster = []string{"local-node"}
	}
	planner := core.NewDistributionPlanner(roster, nil)
	sharder := core.NewBitSharder(addr, registry, planner, ledger, 0)
	monitor := core.NewBounceMonitor(ledgerDir(cfg), ledger)
	orch := core.NewFissionOrchestrator(sharder, ledger, monitor)
	orch.Metrics = metrics

	result, err := orch.Fission(context.Background(), tokenID, blob, payload, filePath)
	if err != nil {
		switch {
		case core.IsKind(err, core.KindTokenInvalid), core.IsKind(err, core.KindAccessDenied):
			fail(err, 2)
		case core.IsKind(err, core.KindInvalidInput):
			fail(err, 3)
		case core.IsKind(err, core.KindLedgerIOError), core.IsKind(err, core.KindLedgerUnavailable):
			fail(err, 4)
		default:
			fail(err, 5)
		}
		return
	}

	nodes := make([]string, 0, len(result.NodeAssignments))
	for _, a := range result.NodeAssignments {
		nodes = append(nodes, a.Node)
	}
	out, _ := json.Marshal(map[string]any{
		"address":  result.Address.String(),
		"bitAtoms": len(result.BitAtoms),
		"nodes":    nodes,
	})
	fmt.Println(string(out))
}

func decodeHexPayload(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
