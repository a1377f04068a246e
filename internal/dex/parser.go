package dex

// Parser is the capability set implemented by every protocol decoder.
// Both methods return nil (not an error) when the payload does not
// contain a recognizable event for that protocol: a single unreadable
// transaction must never interrupt ingestion of the next one.
type Parser interface {
	// ID returns the stable registry identifier.
	ID() string

	// ParseSwapLogs inspects transaction log lines for swap activity.
	// When targetMint is non-empty and the transaction's extracted mint
	// set does not contain it, the parser must return nil so that a
	// pool's shared-connection traffic is never attributed to the
	// wrong token.
	ParseSwapLogs(logs []string, signature, targetMint string) *SwapEvent

	// ParseAccountUpdate decodes a raw account payload (already
	// base64-decoded) at the protocol's fixed layout.
	ParseAccountUpdate(raw []byte, address string) *SwapEvent
}
