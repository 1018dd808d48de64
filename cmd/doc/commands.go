package doc

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/blob"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/spf13/cobra"
)

var (
	insertCmd = &cobra.Command{
		Use:   "insert [field=value]...",
		Short: "Creates a document and prints its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			account, coll, err := scope()
			if err != nil {
				return err
			}
			fields, err := util.ParseFields(coll, args)
			if err != nil {
				return err
			}
			attach, err := parseHashes(cmd, "attach")
			if err != nil {
				return err
			}
			resp, err := mutate(cmd, account, coll, docstore.Mutation{Kind: docstore.OpInsert, Fields: fields, Attach: attach})
			if err != nil {
				return err
			}
			fmt.Printf("id=%d, state=%s\n", resp.Results[0].DocumentID, resp.NewState)
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [id]...",
		Short: "Reads documents by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, coll, err := scope()
			if err != nil {
				return err
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			docs, notFound, err := rpcStore.GetMany(ctx, account, coll, ids)
			if err != nil {
				return err
			}
			for _, d := range docs {
				fmt.Println(util.FormatDocument(d))
			}
			for _, id := range notFound {
				fmt.Printf("%d: not found\n", id)
			}
			return nil
		},
	}
	updateCmd = &cobra.Command{
		Use:   "update [id] [field=value]...",
		Short: "Changes fields of a document. An empty value removes the field",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, coll, err := scope()
			if err != nil {
				return err
			}
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("id must be a number: %w", err)
			}
			patch, err := util.ParseFields(coll, args[1:])
			if err != nil {
				return err
			}
			attach, err := parseHashes(cmd, "attach")
			if err != nil {
				return err
			}
			detach, err := parseHashes(cmd, "detach")
			if err != nil {
				return err
			}
			resp, err := mutate(cmd, account, coll, docstore.Mutation{Kind: docstore.OpUpdate, DocumentID: id, Fields: patch, Attach: attach, Detach: detach})
			if err != nil {
				return err
			}
			fmt.Printf("updated successfully, state=%s\n", resp.NewState)
			return nil
		},
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [id]...",
		Short: "Deletes documents in one batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, coll, err := scope()
			if err != nil {
				return err
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			muts := make([]docstore.Mutation, len(ids))
			for i, id := range ids {
				muts[i] = docstore.Mutation{Kind: docstore.OpDelete, DocumentID: id}
			}
			resp, err := mutate(cmd, account, coll, muts...)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d documents, state=%s\n", len(resp.Results), resp.NewState)
			return nil
		},
	}
	queryCmd = &cobra.Command{
		Use:   "query [field]",
		Short: "Lists document ids in the order of a sorted field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, coll, err := scope()
			if err != nil {
				return err
			}
			s, _ := schema.Lookup(coll)
			f, ok := s.FieldByName(args[0])
			if !ok {
				return fmt.Errorf("collection %s has no field %q", s.Name, args[0])
			}
			q := docstore.Query{Field: f.ID}
			q.Descending, _ = cmd.Flags().GetBool("desc")
			q.Limit, _ = cmd.Flags().GetInt("limit")
			for name, dst := range map[string]**schema.Value{"equal": &q.Equal, "start": &q.Start, "end": &q.End} {
				raw, _ := cmd.Flags().GetString(name)
				if raw == "" {
					continue
				}
				v, err := schema.ParseValue(f.Kind, raw)
				if err != nil {
					return fmt.Errorf("--%s: %w", name, err)
				}
				*dst = &v
			}
			ctx, cancel := commandContext()
			defer cancel()
			ids, err := rpcStore.Query(ctx, account, coll, q)
			if err != nil {
				return err
			}
			printIDs(ids)
			return nil
		},
	}
	searchCmd = &cobra.Command{
		Use:   "search [text]",
		Short: "Lists the ids of documents containing every word of text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, coll, err := scope()
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			ctx, cancel := commandContext()
			defer cancel()
			ids, err := rpcStore.Search(ctx, account, coll, strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			printIDs(ids)
			return nil
		},
	}
	changesCmd = &cobra.Command{
		Use:   "changes [since]",
		Short: "Prints the changes of a collection after a state token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, coll, err := scope()
			if err != nil {
				return err
			}
			maxChanges, _ := cmd.Flags().GetUint64("max")
			ctx, cancel := commandContext()
			defer cancel()
			c, err := rpcStore.ChangesSince(ctx, account, coll, args[0], maxChanges)
			if err != nil {
				return err
			}
			fmt.Printf("oldState=%s, newState=%s, hasMoreChanges=%t, totalChanges=%d\n", c.OldState, c.NewState, c.HasMoreChanges, c.TotalChanges)
			fmt.Printf("created=%v\nupdated=%v\ndestroyed=%v\n", c.Created, c.Updated, c.Destroyed)
			return nil
		},
	}
	stateCmd = &cobra.Command{
		Use:   "state",
		Short: "Prints the current state token of a collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			account, coll, err := scope()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			state, err := rpcStore.CurrentState(ctx, account, coll)
			if err != nil {
				return err
			}
			fmt.Println(state)
			return nil
		},
	}
	deleteAccountCmd = &cobra.Command{
		Use:   "delete-account",
		Short: "Removes every document of the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			account, _, err := scope()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			n, err := rpcStore.DeleteAccount(ctx, account)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d documents\n", n)
			return nil
		},
	}

	blobCmd = &cobra.Command{
		Use:   "blob",
		Short: "Stores and reads content addressed blobs",
	}
	blobPutCmd = &cobra.Command{
		Use:   "put [file]",
		Short: "Uploads a file (or stdin with -) and prints its hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			raw, _ := cmd.Flags().GetString("durability")
			durability, err := store.ParseDurability(raw)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			h, err := rpcStore.PutBlob(ctx, data, durability)
			if err != nil {
				return err
			}
			fmt.Println(h)
			return nil
		},
	}
	blobGetCmd = &cobra.Command{
		Use:   "get [hash] [file]",
		Short: "Downloads a blob to file, or stdout without one",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := blob.ParseHash(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			data, ok, err := rpcStore.FetchBlob(ctx, h)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("blob %s not found", h)
			}
			if len(args) == 2 {
				return os.WriteFile(args[1], data, 0o644)
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{insertCmd, updateCmd, deleteCmd, blobPutCmd} {
		c.Flags().String("durability", "", util.WrapString("When the write is acknowledged (local, majority). Defaults to the server setting"))
	}
	for _, c := range []*cobra.Command{insertCmd, updateCmd, deleteCmd} {
		c.Flags().String("if-in-state", "", util.WrapString("Only apply the write if the collection is still in this state"))
	}
	for _, c := range []*cobra.Command{insertCmd, updateCmd} {
		c.Flags().String("attach", "", util.WrapString("Comma-separated blob hashes to reference from the document"))
	}
	updateCmd.Flags().String("detach", "", util.WrapString("Comma-separated blob hashes to stop referencing"))

	queryCmd.Flags().String("equal", "", "Only return documents with this value")
	queryCmd.Flags().String("start", "", "Inclusive lower bound")
	queryCmd.Flags().String("end", "", "Exclusive upper bound")
	queryCmd.Flags().Bool("desc", false, "Return the ids in descending order")
	queryCmd.Flags().Int("limit", 0, "Maximum number of ids (0 for all)")

	searchCmd.Flags().Int("limit", 0, "Maximum number of ids (0 for all)")
	changesCmd.Flags().Uint64("max", 0, "Maximum number of changes to consume (0 for all)")

	blobCmd.AddCommand(blobPutCmd)
	blobCmd.AddCommand(blobGetCmd)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func mutate(cmd *cobra.Command, account uint64, coll schema.Collection, muts ...docstore.Mutation) (*store.Response, error) {
	raw, _ := cmd.Flags().GetString("durability")
	durability, err := store.ParseDurability(raw)
	if err != nil {
		return nil, err
	}
	ifInState, _ := cmd.Flags().GetString("if-in-state")

	ctx, cancel := commandContext()
	defer cancel()
	return rpcStore.Mutate(ctx, store.Request{
		Account:    account,
		Collection: coll,
		Mutations:  muts,
		IfInState:  ifInState,
		Durability: durability,
	})
}

func parseIDs(args []string) ([]uint64, error) {
	ids := make([]uint64, len(args))
	for i, a := range args {
		id, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("id must be a number: %w", err)
		}
		ids[i] = id
	}
	return ids, nil
}

func parseHashes(cmd *cobra.Command, flag string) ([]blob.Hash, error) {
	raw, _ := cmd.Flags().GetString(flag)
	var out []blob.Hash
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		h, err := blob.ParseHash(s)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func printIDs(ids []uint64) {
	if len(ids) == 0 {
		fmt.Println("no documents")
		return
	}
	for _, id := range ids {
		fmt.Println(id)
	}
}
