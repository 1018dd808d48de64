// Package lstore implements the single node store: the write coordinator on
// top of a replication log that commits every entry right away.
//
// All durability levels behave alike here, an acknowledged write is
// committed. The log is compacted to the configured retention as it grows.
package lstore
