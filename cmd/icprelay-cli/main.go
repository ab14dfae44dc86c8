// icprelay-cli is a command-line client for the icprelayd admin RPC.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/klingnet-icp/internal/relay"
	"github.com/Klingon-tech/klingnet-icp/internal/rpc"
	"github.com/Klingon-tech/klingnet-icp/internal/rpcclient"
)

const (
	flagRPC     = "rpc"
	flagJSON    = "json"
	flagLimit   = "limit"
	flagState   = "state"
	defaultRPC  = "http://127.0.0.1:8890"
	callTimeout = 30 * time.Second
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "icprelay-cli",
		Short:        "Administer a running icprelayd",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String(flagRPC, defaultRPC, "Admin RPC endpoint")
	cmd.PersistentFlags().Bool(flagJSON, false, "Print raw JSON results")

	cobra.EnableCommandSorting = false
	cmd.AddCommand(
		statusCmd(),
		connectCmd(),
		disconnectCmd(),
		connectionsCmd(),
		transactionsCmd(),
	)
	return cmd
}

func client(cmd *cobra.Command) *rpcclient.Client {
	url, _ := cmd.Flags().GetString(flagRPC)
	return rpcclient.NewWithTimeout(url, callTimeout)
}

// printJSON prints v indented when --json is set and reports whether it did.
func printJSON(cmd *cobra.Command, v any) bool {
	if asJSON, _ := cmd.Flags().GetBool(flagJSON); !asJSON {
		return false
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return true
	}
	fmt.Println(string(out))
	return true
}

// ── status ──────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show relay progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st relay.Status
			if err := client(cmd).Call("relay_status", nil, &st); err != nil {
				return fmt.Errorf("relay_status: %w", err)
			}
			if printJSON(cmd, st) {
				return nil
			}

			fmt.Printf("Node:         %s\n", st.NodeID)
			fmt.Printf("Contracts:    local %s, peer %s\n", st.LocalContract, st.PeerContract)
			fmt.Printf("Local chain:  head %d, irreversible %d\n", st.Head, st.LIB)
			fmt.Printf("Sent through: %d\n", st.SendPointer)
			fmt.Printf("Relayed:      %d (watermark %d, %d cached)\n", st.Relayed, st.Watermark, st.CachedBlocks)
			fmt.Printf("Peers:        %d\n", st.Peers)
			if b := st.Batch; b != nil {
				state := "submitted"
				if b.Confirmed {
					state = fmt.Sprintf("included in block %d", b.BlockNum)
				}
				fmt.Printf("Batch:        #%d blocks %d-%d, %s\n", b.Seq, b.From, b.To, state)
			}
			if a := st.Sync.Active; a != nil {
				fmt.Printf("Sync:         [%d, %d) from connection %d\n", a.Start, a.End, a.Peer)
			}
			fmt.Printf("Pipeline:     %d queued, %d in flight, %d confirmed, %d rejected\n",
				st.Pipeline.Queued, st.Pipeline.InFlight, st.Pipeline.Confirmed, st.Pipeline.Rejected)
			if len(st.Banned) > 0 {
				fmt.Printf("Banned:       %d\n", len(st.Banned))
				for _, ban := range st.Banned {
					fmt.Printf("  %-20s score %d  %s\n", ban.IP, ban.Score, ban.Reason)
				}
			}
			return nil
		},
	}
}

// ── connect / disconnect ────────────────────────────────────────────────

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <host:port|multiaddr>",
		Short: "Add a peer relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callHost(cmd, "relay_connect", args[0])
		},
	}
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <host:port|multiaddr>",
		Short: "Remove a peer relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callHost(cmd, "relay_disconnect", args[0])
		},
	}
}

func callHost(cmd *cobra.Command, method, host string) error {
	var res rpc.ConnectResult
	if err := client(cmd).Call(method, rpc.HostParam{Host: host}, &res); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if !printJSON(cmd, res) {
		fmt.Printf("%s: %s\n", res.Host, res.Result)
	}
	return nil
}

// ── connections ─────────────────────────────────────────────────────────

func connectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List peer connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res rpc.ConnectionsResult
			if err := client(cmd).Call("relay_connections", nil, &res); err != nil {
				return fmt.Errorf("relay_connections: %w", err)
			}
			if printJSON(cmd, res) {
				return nil
			}

			fmt.Printf("Connections: %d\n", res.Count)
			for _, c := range res.Connections {
				fmt.Printf("  #%-4d %-28s %-8s %-12s", c.ID, c.Host, c.Direction, c.State)
				if c.NodeID != "" {
					fmt.Printf(" node %s head %d lib %d", c.NodeID, c.Head, c.LIB)
				}
				if c.Retries > 0 {
					fmt.Printf(" retries %d", c.Retries)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

// ── transactions ────────────────────────────────────────────────────────

func transactionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "List recent relay transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt(flagLimit)
			state, _ := cmd.Flags().GetString(flagState)

			var res rpc.TransactionsResult
			params := rpc.TransactionsParam{Limit: limit, State: state}
			if err := client(cmd).Call("relay_transactions", params, &res); err != nil {
				return fmt.Errorf("relay_transactions: %w", err)
			}
			if printJSON(cmd, res) {
				return nil
			}

			fmt.Printf("Transactions: %d\n", res.Count)
			for _, r := range res.Transactions {
				fmt.Printf("  #%-5d %-14s %v", r.Seq, r.State, r.Actions)
				if r.BlockNum > 0 {
					fmt.Printf(" block %d", r.BlockNum)
				}
				if r.Error != "" {
					fmt.Printf(" error: %s", r.Error)
				}
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().Int(flagLimit, 20, "Maximum records to show (0 = all)")
	cmd.Flags().String(flagState, "", "Only show records in this state")
	return cmd
}
