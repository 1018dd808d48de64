// Package util provides helpers shared by the storage engines and the layers
// that build keys on top of them:
//
//   - HashString derives numeric ids from names (node names on the command line)
//   - PrefixEnd and Successor compute scan bounds
//   - AppendUint64 and Uint64At encode integers so that byte order equals numeric order
package util
