package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// peers holds the per replication peer meters and timers. They are kept apart
// from the VictoriaMetrics set because their names are dynamic.
var peers = gometrics.NewRegistry()

// --------------------------------------------------------------------------
// Store metrics
// --------------------------------------------------------------------------

// MutationDone records the outcome and latency of a write request.
func MutationDone(collection, op, outcome string, start time.Time) {
	vm.GetOrCreateCounter(fmt.Sprintf(`dsync_mutations_total{collection=%q,op=%q,outcome=%q}`, collection, op, outcome)).Inc()
	vm.GetOrCreateHistogram(fmt.Sprintf(`dsync_mutation_duration_seconds{collection=%q}`, collection)).UpdateDuration(start)
}

// ReadDone records a read request.
func ReadDone(kind string, start time.Time) {
	vm.GetOrCreateHistogram(fmt.Sprintf(`dsync_read_duration_seconds{kind=%q}`, kind)).UpdateDuration(start)
}

// ChangesCompacted counts dropped change log entries.
func ChangesCompacted(n int) {
	vm.GetOrCreateCounter(`dsync_changelog_compacted_total`).Add(n)
}

// BlobsReclaimed counts blobs removed by the sweeper.
func BlobsReclaimed(n int) {
	vm.GetOrCreateCounter(`dsync_blobs_reclaimed_total`).Add(n)
}

// Degraded counts transitions into degraded mode.
func Degraded() {
	vm.GetOrCreateCounter(`dsync_degraded_total`).Inc()
}

// StaleEpochRejected counts cluster messages rejected for carrying an old epoch.
func StaleEpochRejected() {
	vm.GetOrCreateCounter(`dsync_stale_epoch_rejected_total`).Inc()
}

// RegisterNodeGauges exposes the progress of the local node.
func RegisterNodeGauges(epoch, commit, applied func() float64) {
	vm.GetOrCreateGauge(`dsync_node_epoch`, epoch)
	vm.GetOrCreateGauge(`dsync_node_commit_position`, commit)
	vm.GetOrCreateGauge(`dsync_node_applied_position`, applied)
}

// --------------------------------------------------------------------------
// Replication peer metrics
// --------------------------------------------------------------------------

func peerName(peer uint64, what string) string {
	return fmt.Sprintf("peer.%d.%s", peer, what)
}

// PeerEntriesSent marks entries shipped to a peer.
func PeerEntriesSent(peer uint64, n int) {
	gometrics.GetOrRegisterMeter(peerName(peer, "entries"), peers).Mark(int64(n))
}

// PeerSendFailed marks a failed delivery to a peer.
func PeerSendFailed(peer uint64) {
	gometrics.GetOrRegisterMeter(peerName(peer, "failures"), peers).Mark(1)
}

// PeerAckLatency records the time between sending entries and their acknowledgement.
func PeerAckLatency(peer uint64, d time.Duration) {
	gometrics.GetOrRegisterTimer(peerName(peer, "ack"), peers).Update(d)
}

// ForgetPeer drops the metrics of an evicted peer.
func ForgetPeer(peer uint64) {
	for _, what := range []string{"entries", "failures", "ack"} {
		peers.Unregister(peerName(peer, what))
	}
}

// --------------------------------------------------------------------------
// Exposition
// --------------------------------------------------------------------------

// WritePrometheus writes all metrics in the Prometheus text format.
func WritePrometheus(w io.Writer) {
	vm.WritePrometheus(w, true)

	var lines []string
	peers.Each(func(name string, i interface{}) {
		parts := strings.SplitN(name, ".", 3)
		if len(parts) != 3 {
			return
		}
		label := fmt.Sprintf(`{peer=%q}`, parts[1])
		switch m := i.(type) {
		case gometrics.Meter:
			lines = append(lines,
				fmt.Sprintf("dsync_peer_%s_total%s %d", parts[2], label, m.Count()),
				fmt.Sprintf("dsync_peer_%s_rate1m%s %g", parts[2], label, m.Rate1()))
		case gometrics.Timer:
			lines = append(lines,
				fmt.Sprintf("dsync_peer_%s_count%s %d", parts[2], label, m.Count()),
				fmt.Sprintf("dsync_peer_%s_mean_seconds%s %g", parts[2], label, m.Mean()/float64(time.Second)),
				fmt.Sprintf("dsync_peer_%s_p99_seconds%s %g", parts[2], label, m.Percentile(0.99)/float64(time.Second)))
		}
	})
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}
