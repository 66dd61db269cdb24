package udpc

import "errors"

// Initialization errors, fatal to the operation that returned them.
var (
	ErrLibsodiumRequired  = errors.New("udpc: authentication requires a signing backend but none is enabled")
	ErrSocketCreateFailed = errors.New("udpc: failed to create socket")
	ErrBindFailed         = errors.New("udpc: failed to bind socket")
	ErrNonBlockingFailed  = errors.New("udpc: failed to set socket to non-blocking mode")
)

// Packet rejection errors, logged and the offending datagram dropped.
var (
	ErrInvalidPacket        = errors.New("udpc: invalid packet")
	ErrBadProtocolID        = errors.New("udpc: protocol id mismatch")
	ErrBadLength            = errors.New("udpc: packet length invalid for its header or subtype")
	ErrBadSubtype           = errors.New("udpc: invalid connect packet subtype")
	ErrSignatureInvalid     = errors.New("udpc: signature verification failed")
	ErrDuplicateSeq         = errors.New("udpc: duplicate or too-old sequence number")
	ErrIdentityMismatch     = errors.New("udpc: identity does not match pinned peer key")
	ErrAuthPolicyViolation  = errors.New("udpc: auth policy rejected packet")
	ErrUnknownConnection    = errors.New("udpc: no connection for identity")
)

// Recoverable, operational errors.
var (
	ErrQueueFull        = errors.New("udpc: per-connection send queue is full")
	ErrNoSuchConnection = errors.New("udpc: queued send targets a non-existent connection")
	ErrInvalidHandle    = errors.New("udpc: context handle is invalid or destroyed")
	ErrAlreadyConnected = errors.New("udpc: identity already has an active connection")
)
