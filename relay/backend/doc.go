// Package backend defines the storage interfaces the relay server runs on
// and provides the in-memory reference implementations.
//
// Two concerns are separated:
//
//   - Queue holds pairwise messages awaiting delivery. Entries are ephemeral:
//     they expire after a TTL and are tombstoned once a recipient fetches
//     them. The in-memory Memory implementation shards its locks by recipient
//     so concurrent senders to different recipients never contend.
//   - GroupStore holds durable group state: groups, channels, membership,
//     sealed member keys and encrypted group history. MemoryGroupStore backs
//     tests and single-binary deployments; pgstore provides the durable
//     implementation.
//
// Implementations are chosen once at startup and injected; handler code never
// branches on the backend in use.
package backend
