// Package wsrpc implements the JSON-RPC-over-WebSocket subscription
// protocol: per-connection request/response correlation, subscription
// bookkeeping, and the connection lifecycle around them.
package wsrpc

import "encoding/json"

// Subscription methods understood by the node.
const (
	MethodLogsSubscribe      = "logsSubscribe"
	MethodLogsUnsubscribe    = "logsUnsubscribe"
	MethodAccountSubscribe   = "accountSubscribe"
	MethodAccountUnsubscribe = "accountUnsubscribe"

	methodLogsNotification    = "logsNotification"
	methodAccountNotification = "accountNotification"
)

// SubscriptionKind distinguishes what a subscription watches.
type SubscriptionKind string

const (
	KindProgramLogs SubscriptionKind = "program-logs"
	KindPoolLogs    SubscriptionKind = "pool-logs"
	KindAccount     SubscriptionKind = "account"
)

// Request is an outbound JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// RPCError is the error member of a JSON-RPC reply.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NotificationParams carries a subscription notification payload.
type NotificationParams struct {
	Subscription int64 `json:"subscription"`
	Result       struct {
		Value json.RawMessage `json:"value"`
	} `json:"result"`
}

// Envelope is the inbound frame shape, loose enough to hold both
// confirmations and notifications. Classification looks at which
// members are present.
type Envelope struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      *uint64             `json:"id,omitempty"`
	Method  string              `json:"method,omitempty"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *RPCError           `json:"error,omitempty"`
	Params  *NotificationParams `json:"params,omitempty"`
}

// FrameKind is the dispatcher-facing classification of an inbound frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameConfirmation
	FrameLogsNotification
	FrameAccountNotification
)

// Classify determines what an inbound envelope is. A reply carrying an
// id and no method is a confirmation; method-bearing frames are
// notifications.
func (e *Envelope) Classify() FrameKind {
	switch {
	case e.ID != nil && e.Method == "":
		return FrameConfirmation
	case e.Method == methodLogsNotification && e.Params != nil:
		return FrameLogsNotification
	case e.Method == methodAccountNotification && e.Params != nil:
		return FrameAccountNotification
	default:
		return FrameUnknown
	}
}

// LogsValue is the value member of a logsNotification.
type LogsValue struct {
	Signature string          `json:"signature"`
	Logs      []string        `json:"logs"`
	Err       json.RawMessage `json:"err"`
}

// Failed reports whether the transaction errored on-chain. Failed
// transactions carry no tradable swap and are dropped before parsing.
func (v *LogsValue) Failed() bool {
	return len(v.Err) > 0 && string(v.Err) != "null"
}

// AccountValue is the value member of an accountNotification. Data is
// the [payload, encoding] pair the node sends for base64 encoding.
type AccountValue struct {
	Data     []string `json:"data"`
	Lamports uint64   `json:"lamports"`
	Owner    string   `json:"owner"`
}

// Payload returns the base64 payload string, empty when absent.
func (v *AccountValue) Payload() string {
	if len(v.Data) == 0 {
		return ""
	}
	return v.Data[0]
}

// logsSubscribeParams builds the standard params for a logsSubscribe
// mentioning one address.
func logsSubscribeParams(address, commitment string) []any {
	return []any{
		map[string]any{"mentions": []string{address}},
		map[string]any{
			"commitment":                     commitment,
			"encoding":                       "jsonParsed",
			"maxSupportedTransactionVersion": 0,
		},
	}
}

// accountSubscribeParams builds the standard params for an
// accountSubscribe with base64 payloads.
func accountSubscribeParams(address string) []any {
	return []any{
		address,
		map[string]any{"encoding": "base64", "commitment": "confirmed"},
	}
}
