// Package udpc implements a reliable-enough, loss-tolerant, authenticated
// messaging layer over UDP/IPv6.
//
// A Context owns one UDP socket and drives every connection through a single
// tick (Update). It provides connection lifecycle (handshake, established,
// disconnect), round-trip-time estimation, loss detection and resend,
// congestion-aware send pacing, and optional per-packet Ed25519
// authentication. It does not provide stream semantics, in-order delivery
// of arbitrary-sized payloads, or a key-exchange handshake beyond peer
// identity verification.
package udpc
