package cluster

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcStore *client.RPCStore

	// ClusterCommands represents the operator command group
	ClusterCommands = &cobra.Command{
		Use:               "cluster",
		Short:             "Inspect and administer a running deployment",
		PersistentPreRunE: setupClusterClient,
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if rpcStore == nil {
				return nil
			}
			return rpcStore.Close()
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Prints the status of the node behind the first endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			st, err := rpcStore.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("node=%d, mode=%s, role=%s, epoch=%d\n", st.NodeID, st.Mode, st.Role, st.Epoch)
			fmt.Printf("leader=%d (%s)\n", st.Leader, st.LeaderAddr)
			fmt.Printf("log: base=%d, last=%d, commit=%d, applied=%d\n", st.Base, st.Last, st.Commit, st.Applied)
			if st.Degraded {
				fmt.Printf("DEGRADED: %s\n", st.DegradedReason)
			}
			for _, m := range st.Members {
				ack := "never"
				if !m.LastAck.IsZero() {
					ack = time.Since(m.LastAck).Round(time.Millisecond).String() + " ago"
				}
				fmt.Printf("  member %d %s match=%d stale=%t ack=%s\n", m.ID, m.Addr, m.Match, m.Stale, ack)
			}
			return nil
		},
	}

	evictCmd = &cobra.Command{
		Use:   "evict [node]",
		Short: "Removes a member from the cluster",
		Long:  "Removes a member from the cluster. The node is given by its numeric id or its name, which is hashed the same way the serve command does.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			id := util.ParseNodeID(args[0])
			if err := rpcStore.EvictMember(ctx, id); err != nil {
				return err
			}
			fmt.Printf("evicted node %d\n", id)
			return nil
		},
	}

	transferCmd = &cobra.Command{
		Use:   "transfer-leadership",
		Short: "Makes the current leader step down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			if err := rpcStore.TransferLeadership(ctx); err != nil {
				return err
			}
			fmt.Println("leadership transferred")
			return nil
		},
	}

	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Takes the node behind the first endpoint out of degraded mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			if err := rpcStore.Recover(ctx); err != nil {
				return err
			}
			fmt.Println("recovered successfully")
			return nil
		},
	}

	compactCmd = &cobra.Command{
		Use:   "compact",
		Short: "Drops change history beyond the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			n, err := rpcStore.CompactChanges(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("dropped %s change entries\n", strconv.Itoa(n))
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitEnv)

	util.SetupRPCClientFlags(ClusterCommands)

	ClusterCommands.AddCommand(statusCmd)
	ClusterCommands.AddCommand(evictCmd)
	ClusterCommands.AddCommand(transferCmd)
	ClusterCommands.AddCommand(recoverCmd)
	ClusterCommands.AddCommand(compactCmd)
}

// setupClusterClient initializes the RPC admin client
func setupClusterClient(cmd *cobra.Command, _ []string) error {
	var err error
	rpcStore, err = util.NewClient(cmd)
	return err
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
