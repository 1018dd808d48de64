package doc

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/schema"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Email fields used by the benchmarks.
const (
	emailSubject    schema.FieldID = 1
	emailReceivedAt schema.FieldID = 5
	emailMailboxID  schema.FieldID = 8
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dSync servers",
		Long:    "Runs a set of benchmarks against the email collection of a scratch account. The account is deleted afterwards.",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfAccount       uint64 = 1 << 40
	perfBlobSizeKB           = 100
	perfNumThreads           = 10
	perfDocumentCount        = 100
	perfSkip                 = make([]string, 0)
)

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. insert,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "blob-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the blobs of the blob-put test should be (in KB)"))
	key = "documents"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many documents the read tests work on"))
	key = "perf-account"
	perfTestCmd.Flags().Uint64(key, perfAccount, util.WrapString("Scratch account used by the benchmarks. All of its documents are deleted afterwards"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfBlobSizeKB = viper.GetInt("blob-size")
	perfDocumentCount = max(viper.GetInt("documents"), 1)
	perfNumThreads = viper.GetInt("threads")
	perfAccount = viper.GetUint64("perf-account")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	fmt.Println("Performance testing tool for dSync servers")

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Printf("Account: %d\n", perfAccount)
	fmt.Println()

	fmt.Println("starting tests...")

	defer func() {
		if n, err := rpcStore.DeleteAccount(context.Background(), perfAccount); err != nil {
			log.Printf("error deleting the scratch account: %v\n", err)
		} else {
			fmt.Printf("\nremoved %d scratch documents\n", n)
		}
	}()

	ids, err := seed(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed documents: %w", err)
	}
	state, err := rpcStore.CurrentState(ctx, perfAccount, schema.CollectionEmail)
	if err != nil {
		return err
	}
	id := func(i int) uint64 { return ids[i%len(ids)] }

	benchmarks := []struct {
		name string
		op   func(i int) error
	}{
		{"insert", func(i int) error {
			_, err := store.Insert(ctx, rpcStore, perfAccount, schema.CollectionEmail, email(i))
			return err
		}},
		{"update", func(i int) error {
			return store.Update(ctx, rpcStore, perfAccount, schema.CollectionEmail, id(i),
				schema.Fields{emailSubject: schema.Text("updated subject " + strconv.Itoa(i))})
		}},
		{"get", func(i int) error {
			_, _, err := rpcStore.Get(ctx, perfAccount, schema.CollectionEmail, id(i))
			return err
		}},
		{"get-many", func(i int) error {
			_, _, err := rpcStore.GetMany(ctx, perfAccount, schema.CollectionEmail, ids[:min(10, len(ids))])
			return err
		}},
		{"query", func(i int) error {
			_, err := rpcStore.Query(ctx, perfAccount, schema.CollectionEmail, docstore.Query{Field: emailReceivedAt, Descending: true, Limit: 10})
			return err
		}},
		{"search", func(i int) error {
			_, err := rpcStore.Search(ctx, perfAccount, schema.CollectionEmail, "meeting", 10)
			return err
		}},
		{"changes", func(i int) error {
			_, err := rpcStore.ChangesSince(ctx, perfAccount, schema.CollectionEmail, state, 100)
			return err
		}},
		{"blob-put", func(i int) error {
			data := make([]byte, perfBlobSizeKB*1024)
			copy(data, strconv.Itoa(i))
			_, err := rpcStore.PutBlob(ctx, data, store.DurabilityDefault)
			return err
		}},
		{"mixed", func(i int) error {
			switch i % 4 {
			case 0:
				_, err := store.Insert(ctx, rpcStore, perfAccount, schema.CollectionEmail, email(i))
				return err
			case 1:
				_, _, err := rpcStore.Get(ctx, perfAccount, schema.CollectionEmail, id(i))
				return err
			case 2:
				_, err := rpcStore.Query(ctx, perfAccount, schema.CollectionEmail, docstore.Query{Field: emailReceivedAt, Limit: 10})
				return err
			default:
				_, err := rpcStore.CurrentState(ctx, perfAccount, schema.CollectionEmail)
				return err
			}
		}},
	}

	results := make(map[string]testing.BenchmarkResult)
	for _, bm := range benchmarks {
		if shouldSkip(bm.name) || ctx.Err() != nil {
			results[bm.name] = testing.BenchmarkResult{}
			printResult(bm.name, testing.BenchmarkResult{})
			continue
		}
		result := testing.Benchmark(func(b *testing.B) {
			b.SetParallelism(perfNumThreads)
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				counter := 0
				for pb.Next() {
					if err := bm.op(counter); err != nil {
						log.Printf("(%s) - error: %v\n", bm.name, err)
					}
					counter++
				}
			})
		})
		results[bm.name] = result
		printResult(bm.name, result)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// seed creates a mailbox and perfDocumentCount emails in one batch.
func seed(ctx context.Context) ([]uint64, error) {
	mailbox, err := store.Insert(ctx, rpcStore, perfAccount, schema.CollectionMailbox, schema.Fields{1: schema.Text("perf")})
	if err != nil {
		return nil, err
	}
	muts := make([]docstore.Mutation, perfDocumentCount)
	for i := range muts {
		fields := email(i)
		fields[emailMailboxID] = schema.Id(mailbox)
		muts[i] = docstore.Mutation{Kind: docstore.OpInsert, Fields: fields}
	}
	resp, err := rpcStore.Mutate(ctx, store.Request{Account: perfAccount, Collection: schema.CollectionEmail, Mutations: muts})
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, len(resp.Results))
	for i, r := range resp.Results {
		ids[i] = r.DocumentID
	}
	return ids, nil
}

func email(i int) schema.Fields {
	return schema.Fields{
		emailSubject:    schema.Text(fmt.Sprintf("weekly meeting notes %d", i)),
		emailReceivedAt: schema.Number(time.Now().Unix() + int64(i)),
		emailMailboxID:  schema.Id(1),
	}
}

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"ShardID", "Serializer", "Transport",
		"Threads", "BlobSizeKB", "Documents",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		var nsPerOp, opsPerSec float64
		skipped := "true"
		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strings.Join(config.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.RetryCount),
			strconv.Itoa(config.ConnectionsPerEndpoint),
			strconv.FormatUint(util.GetShardID(), 10),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfBlobSizeKB),
			strconv.Itoa(perfDocumentCount),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
