// Package errs enumerates the error kinds surfaced at the core's RPC and
// API boundaries (spec §7): admission, DHT, chain, and transport failures.
// Internal errors are wrapped into one of these with fmt.Errorf's %w
// before they cross a stream-handler boundary; callers compare with
// errors.Is.
package errs

import "errors"

// Admission errors.
var (
	ErrTicketUnavailable = errors.New("admission: ticket unavailable")
	ErrPoWInvalid         = errors.New("admission: proof of work invalid")
	ErrSignatureInvalid   = errors.New("admission: signature invalid")
)

// DHT errors.
var (
	ErrPingFailed      = errors.New("dht: ping failed")
	ErrStoreFailed     = errors.New("dht: store failed")
	ErrFindNodeFailed  = errors.New("dht: find_node failed")
	ErrFindValueFailed = errors.New("dht: find_value failed")
	ErrAccessDenied    = errors.New("dht: access denied, lock held")
)

// Chain errors.
var (
	ErrBlockAlreadyPersisted = errors.New("chain: block already persisted")
	ErrInvalidBlock          = errors.New("chain: invalid block")
	ErrBlockNotFound         = errors.New("chain: block not found")
	ErrChainBroken           = errors.New("chain: chain broken")
	ErrNoSigningKey          = errors.New("chain: mining requires a signing key")
)

// Transport errors.
var (
	ErrAddressInvalid = errors.New("transport: address invalid")
	ErrConnectFailed  = errors.New("transport: connect failed")
)
