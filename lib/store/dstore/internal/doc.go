// Package internal holds the raft log format of the dstore package.
//
// Commands are the writes proposed to the shard. They carry everything the
// state machine needs to apply them deterministically on every replica: the
// mutations, the proposer's clock and a lineage id that is adopted when the
// shard has none yet. Their binary layout is documented on Command.Serialize.
//
// Queries are evaluated locally by the state machine and are never
// serialized. Outcome is the result payload the state machine returns for an
// applied command.
package internal
