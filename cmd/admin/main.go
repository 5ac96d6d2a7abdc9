// Command matchcore-admin is the administrative CLI: status, balance
// list/get/summary, market summary, and makeslice. Every leaf is a thin
// HTTP client over the running node's /api/v1/command endpoint rather than
// an in-process call, so the CLI and a browser-based caller exercise the
// identical RPC surface.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vexchange/matchcore/pkg/wire"
)

var addr string

func main() {
	root := &cobra.Command{
		Use:   "matchcore-admin",
		Short: "Administrative CLI for a running matchcore node",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "matchcore API address")

	root.AddCommand(
		statusCmd(),
		balanceCmd(),
		marketCmd(),
		makeSliceCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine status (market/asset counts, admission-gate queue depths)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(wire.MethodAdminStatus, nil)
		},
	}
}

func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "balance", Short: "Balance introspection"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list [asset]",
			Short: "List every nonzero (user, asset) balance, optionally filtered to one asset",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				asset := ""
				if len(args) == 1 {
					asset = args[0]
				}
				return call(wire.MethodBalanceList, map[string]string{"asset": asset})
			},
		},
		&cobra.Command{
			Use:   "get <user_id> <asset>",
			Short: "Show one user's available/frozen balance for an asset",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				userID, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid user_id %q: %w", args[0], err)
				}
				return call(wire.MethodBalanceQuery, map[string]any{"user_id": uint32(userID), "asset": args[1]})
			},
		},
		&cobra.Command{
			Use:   "summary <asset>",
			Short: "Show ledger-wide available/frozen totals for an asset",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(wire.MethodAssetSummary, map[string]string{"asset": args[0]})
			},
		},
	)
	return cmd
}

func marketCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "market", Short: "Market introspection"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "summary <market>",
			Short: "Show resting ask/bid counts and amount sums for a market",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(wire.MethodMarketSummary, map[string]string{"market": args[0]})
			},
		},
	)
	return cmd
}

func makeSliceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "makeslice",
		Short: "Trigger an immediate snapshot dump, outside the normal slice_interval timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(wire.MethodAdminMakeSlice, nil)
		},
	}
}

// call POSTs one {method, params} envelope to the node's command endpoint
// and pretty-prints the reply.
func call(method wire.Method, params any) error {
	body, err := json.Marshal(wire.Request{Method: method, Params: params})
	if err != nil {
		return err
	}
	resp, err := http.Post(addr+"/api/v1/command", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
