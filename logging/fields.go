// Package logging provides centralized logging utilities for the Flip10
// session coordinator. It defines standardized field names and helper
// functions to ensure consistent structured logging across all components.
package logging

// Standard field name constants for structured logging.
// Using constants ensures consistency and prevents typos across the codebase.
const (
	// Component identification
	FieldComponent = "component"

	// Session fields
	FieldSessionID = "session_id"
	FieldWinner    = "winner"
	FieldStreak    = "streak"
	FieldFlips     = "total_flips"

	// Player/address fields
	FieldAddress = "address"
	FieldBuyer   = "buyer"

	// Network/connection fields
	FieldAddr       = "addr"
	FieldListenAddr = "listen_addr"
	FieldRemoteAddr = "remote_addr"
	FieldClientIP   = "client_ip"

	// Chain fields
	FieldTxHash      = "tx_hash"
	FieldBlockNumber = "block_number"
	FieldLogIndex    = "log_index"
	FieldContract    = "contract"

	// Operation fields
	FieldOperation = "operation"
	FieldReason    = "reason"
	FieldResult    = "result"
	FieldMsgType   = "msg_type"

	// Count/size fields
	FieldCount = "count"

	// Timing fields
	FieldDuration = "duration"
)

// Component name constants for the "component" field.
// These identify the source of log messages.
const (
	ComponentSessionRuntime    = "session_runtime"
	ComponentCreditLedger      = "credit_ledger"
	ComponentDailyScheduler    = "daily_scheduler"
	ComponentConnectionHandler = "connection_handler"
	ComponentConnectionHub     = "connection_hub"
	ComponentIPLimiter         = "ip_limiter"
	ComponentAuthVerifier      = "auth_verifier"
	ComponentChainBridge       = "chain_bridge"
	ComponentSessionStore      = "session_pointer_store"
	ComponentHTTPServer        = "http_server"
	ComponentObservability     = "observability_server"
	ComponentOperatorCommand   = "operator_command"
)

// Operation result constants for the "result" field.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)
