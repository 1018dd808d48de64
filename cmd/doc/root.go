package doc

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rpcStore *client.RPCStore

	// DocumentCommands represents the document command group
	DocumentCommands = &cobra.Command{
		Use:                "doc",
		Short:              "Perform document store operations",
		PersistentPreRunE:  setupDocClient,
		PersistentPostRunE: closeDocClient,
	}
)

func init() {
	cobra.OnInitialize(util.InitEnv)

	util.SetupRPCClientFlags(DocumentCommands)

	key := "account"
	DocumentCommands.PersistentFlags().Uint64(key, 1, util.WrapString("Account the operation is scoped to"))
	key = "collection"
	DocumentCommands.PersistentFlags().String(key, "mailbox", util.WrapString("Collection the operation is scoped to (mailbox, email, thread, identity)"))

	DocumentCommands.AddCommand(insertCmd)
	DocumentCommands.AddCommand(getCmd)
	DocumentCommands.AddCommand(updateCmd)
	DocumentCommands.AddCommand(deleteCmd)
	DocumentCommands.AddCommand(queryCmd)
	DocumentCommands.AddCommand(searchCmd)
	DocumentCommands.AddCommand(changesCmd)
	DocumentCommands.AddCommand(stateCmd)
	DocumentCommands.AddCommand(blobCmd)
	DocumentCommands.AddCommand(deleteAccountCmd)
	DocumentCommands.AddCommand(perfTestCmd)
}

// setupDocClient initializes the RPC store client
func setupDocClient(cmd *cobra.Command, _ []string) error {
	var err error
	rpcStore, err = util.NewClient(cmd)
	return err
}

func closeDocClient(_ *cobra.Command, _ []string) error {
	if rpcStore == nil {
		return nil
	}
	return rpcStore.Close()
}

// scope returns the account and collection selected by the flags.
func scope() (uint64, schema.Collection, error) {
	coll, err := schema.ParseCollection(viper.GetString("collection"))
	if err != nil {
		return 0, 0, err
	}
	account := viper.GetUint64("account")
	if account == 0 {
		return 0, 0, fmt.Errorf("account must not be 0")
	}
	return account, coll, nil
}

// commandContext is canceled on interrupt.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
