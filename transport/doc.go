// Package transport implements the framed wire protocol for the chat
// service.
//
// Every protocol unit starts with a 3-byte little-endian control code from a
// reserved high range. Payloads travel as a DataLength unit followed by
// 256-byte chunks, each preceded by a 16-byte digest and acknowledged with a
// 2-byte ok/no token; a rejected chunk is resent until it arrives intact.
// Once a session key is active, payload bytes are passed through the
// homophonic cipher before chunking.
//
// A single background reader demultiplexes the stream: payload-shaped units
// (length, digest, chunk, ack) are routed into per-category handoff queues,
// and every other code is dispatched to its registered handler. This is what
// lets several activities share one connection without interleaving
// corruption: any unit may legally appear between two units of another
// category, and each queue serializes exactly one category.
package transport
