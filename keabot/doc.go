// Package keabot implements a Discord bot that keeps a per-server
// reputation ledger driven by a "gold" reaction emoji, and serves
// tagged media attachments on command.
//
// Key components of the package include:
//
//   - Keabot: The main struct that wires configuration, storage, the
//     Discord gateway and the admin API together.
//   - Ledger: Per-server, per-user score/given/self counters.
//   - MediaStore: Content-addressed storage for uploaded attachments.
//   - TagIndex: Per-server tags and their media associations.
//   - Selector: Uniform random selection of media for a tag.
//   - Dispatcher: Maps gateway events to storage operations and replies.
//   - API: A read-only HTTP API over the ledger and tag index.
//
// The bot responds to prefixed text commands:
//
//   - leaderboard [n]: The top n scores in the server.
//   - score [user]: A single user's score.
//   - addimage <tag...>: Stores attached media under the given tags.
//   - tags: Lists the server's tags.
//   - postimage <tag>: Posts a random media item for a tag.
//
// Reacting to a message with the custom gold emoji gives its author
// a point, and removing the reaction takes it back.
package keabot
