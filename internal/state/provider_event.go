package state

import "time"

// Internal provider and event types used for execution audit records.
const (
	ProviderInternal = "internal"

	EventChunkFilled      = "chunk_filled"
	EventChunkFailed      = "chunk_failed"
	EventChunkOracleBlock = "chunk_oracle_block"
	EventChunkUnbooked    = "chunk_unbooked"
	EventAutoBuyScheduled = "autobuy_scheduled"
	EventVaultDeposited   = "vault_deposited"
	EventVaultWithdrawn   = "vault_withdrawn"
	EventVaultFailed      = "vault_failed"
)

// ProviderEvent is an append-only idempotency and audit record. Existence
// of a row means the event was already processed.
type ProviderEvent struct {
	Provider    string
	EventType   string
	ExternalID  string
	PayloadHash string
	Detail      string
	ReceivedAt  time.Time
}
