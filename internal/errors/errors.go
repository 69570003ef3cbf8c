package errors

import "errors"

// Storage errors.
var (
	// ErrStorageFull signals that the local store cannot accept more
	// writes. Callers are expected to evict and retry rather than drop
	// the message.
	ErrStorageFull = errors.New("storage full")
)

// Transport errors.
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAckTimeout    = errors.New("timed out waiting for ack")
	ErrSendAbandoned = errors.New("send abandoned")
)

// Protocol/sync errors.
var (
	ErrProtocol         = errors.New("protocol error")
	ErrSeqRegression    = errors.New("server sequence regression")
	ErrGapUnrecoverable = errors.New("sequence gap unrecoverable")
)
