// Package genesislog implements the append-only genesis transcript: every
// instruction a developer sends to the agent, and every reply, recorded as
// newline-delimited JSON before the agent sees the instruction.
//
// The log's attestable value is the SHA-256 of the entire file, not a chain
// of per-entry hashes. A verifier can fetch the literal bytes, hash them, and
// compare the result with the report data bound into a hardware quote.
//
// The file itself is created by an external bootstrap step. Store only ever
// appends to it; it never creates, truncates or rewrites the file.
package genesislog
