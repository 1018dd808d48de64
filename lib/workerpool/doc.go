// Package workerpool runs submitted tasks on a fixed number of goroutines
// behind a bounded queue. The write coordinator uses it to prepare mutations
// of different collections in parallel.
package workerpool
