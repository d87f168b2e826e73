// Package types defines the wire format shared by the server and the agent:
// the control-plane envelope (C1), its message-type enum, and the payload
// shapes carried inside rpc.request/rpc.response/rpc.progress/event frames.
//
// Every control-plane message is a JSON object with fields type, id, an
// optional correlation_id, and payload. The server assigns id for
// server→agent messages; the agent assigns id for agent→server messages.
// correlation_id on a reply equals the id of the message it answers.
package types

import "encoding/json"

// MessageType is the tagged-variant discriminator for control-plane frames.
type MessageType string

const (
	MsgHello       MessageType = "hello"
	MsgAuth        MessageType = "auth"
	MsgAuthOK      MessageType = "auth_ok"
	MsgAuthErr     MessageType = "auth_err"
	MsgHeartbeat   MessageType = "heartbeat"
	MsgPing        MessageType = "ping"
	MsgPong        MessageType = "pong"
	MsgRegister    MessageType = "register"
	MsgConfig      MessageType = "config"
	MsgRPCRequest  MessageType = "rpc.request"
	MsgRPCProgress MessageType = "rpc.progress"
	MsgRPCResponse MessageType = "rpc.response"
	MsgRPCError    MessageType = "rpc.error"
	MsgRPCCancel   MessageType = "rpc.cancel"
	MsgEvent       MessageType = "event"
	MsgClose       MessageType = "close"
)

// MaxMessageSize bounds a single text frame. Larger artifacts are shipped as
// a chunked binary stream keyed to a correlation_id instead.
const MaxMessageSize = 4 << 20

// Envelope is the outer shape of every control-plane frame.
type Envelope struct {
	Type          MessageType     `json:"type"`
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it in an Envelope.
func NewEnvelope(typ MessageType, id, correlationID string, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{Type: typ, ID: id, CorrelationID: correlationID, Payload: raw}, nil
}

// Decode unmarshals the envelope's payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

// ArtifactChunk carries one piece of a chunked binary artifact (e.g. a
// MikroTik binary backup). Chunks share a correlation_id with the RPC that
// produced them; Seq is monotonic starting at 0 and EOF marks the last chunk.
type ArtifactChunk struct {
	CorrelationID string `json:"correlation_id"`
	Seq           int    `json:"seq"`
	EOF           bool   `json:"eof"`
	Data          []byte `json:"data,omitempty"`
}

// --- hello / auth payloads ---

// HelloPayload is sent by the agent as the first frame of a session.
type HelloPayload struct {
	AgentID      string   `json:"agent_id"`
	Kind         string   `json:"kind"` // docker, mikrotik-container
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// AuthChallengePayload is the server's reply to hello: a nonce the agent must
// HMAC with its token.
type AuthChallengePayload struct {
	Nonce string `json:"nonce"`
}

// AuthResponsePayload carries the agent's HMAC(token, nonce) response.
type AuthResponsePayload struct {
	AgentID string `json:"agent_id"`
	HMAC    string `json:"hmac"`
	// Token is set only on an unrecognized agent_id's very first connect,
	// bootstrapping the shared secret the server has no prior record of.
	// On every later reconnect the agent omits it and HMAC is verified
	// against the token the server already holds.
	Token string `json:"token,omitempty"`
}

// AuthErrPayload explains why auth_ok was not sent.
type AuthErrPayload struct {
	Reason string `json:"reason"`
}

// HeartbeatPayload is sent periodically by the agent carrying host facts.
type HeartbeatPayload struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedBytes   uint64  `json:"mem_used_bytes"`
	MemTotalBytes  uint64  `json:"mem_total_bytes"`
	DiskUsedBytes  uint64  `json:"disk_used_bytes"`
	DiskTotalBytes uint64  `json:"disk_total_bytes"`
	UptimeSeconds  uint64  `json:"uptime_seconds"`
}

// ConfigPayload is pushed server→agent for out-of-band config changes, most
// notably a token rotation after approval.
type ConfigPayload struct {
	TokenRotation *TokenRotation `json:"token_rotation,omitempty"`
}

// TokenRotation carries a freshly minted raw token the agent must use on its
// next reconnect within rotation_grace.
type TokenRotation struct {
	NewToken string `json:"new_token"`
}

// --- rpc.request methods ---

const (
	MethodAgentScan    = "agent.scan"
	MethodAgentBackup  = "agent.backup"
	MethodAgentCommand = "agent.command"
	MethodAgentTest    = "agent.test"
)

// ScanRequest is the payload of an agent.scan rpc.request.
type ScanRequest struct {
	NetworkCIDR string `json:"network_cidr,omitempty"`
	ScanType    string `json:"scan_type"` // arp, ping, nmap, snmp, all
	ScanPorts   []int  `json:"scan_ports,omitempty"`
}

// DeviceRecord is one discovered device reported in a scan response.
type DeviceRecord struct {
	Address   string `json:"address"`
	MAC       string `json:"mac,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	Vendor    string `json:"vendor,omitempty"`
	Platform  string `json:"platform,omitempty"`
	OpenPorts []int  `json:"open_ports,omitempty"`
	Source    string `json:"source"` // arp, ping, snmp, neighbor, nmap
}

// ScanResponse is the terminal rpc.response payload for agent.scan.
type ScanResponse struct {
	Devices []DeviceRecord `json:"devices"`
}

// ScanProgress is an rpc.progress payload emitted while a scan is running.
type ScanProgress struct {
	Devices []DeviceRecord `json:"devices,omitempty"`
	Message string         `json:"message,omitempty"`
}

// BackupRequest is the payload of an agent.backup rpc.request.
type BackupRequest struct {
	DeviceID      string            `json:"device_id"`
	DeviceAddress string            `json:"device_address"`
	DeviceKind    string            `json:"device_kind"` // hp_aruba, mikrotik
	BackupKind    string            `json:"backup_kind"` // config, binary, both
	Credential    CredentialPayload `json:"credential"`
}

// CredentialPayload carries a decrypted credential for one probe/backup RPC.
// Never logged.
type CredentialPayload struct {
	Username string            `json:"username,omitempty"`
	Secret   string            `json:"secret,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// BackupResponse is the terminal rpc.response payload for agent.backup.
// Config text travels inline; a binary blob (MikroTik /system backup save)
// travels as a chunked ArtifactChunk stream sharing the same correlation_id,
// with HasBinary set so the caller knows to wait for it.
type BackupResponse struct {
	Config    string `json:"config,omitempty"`
	HasBinary bool   `json:"has_binary"`
	Model     string `json:"model,omitempty"`
	Firmware  string `json:"firmware,omitempty"`
	Serial    string `json:"serial,omitempty"`
}

// CommandRequest is the payload of an agent.command rpc.request.
type CommandRequest struct {
	DeviceID      string            `json:"device_id"`
	DeviceAddress string            `json:"device_address"`
	DeviceKind    string            `json:"device_kind"`
	Commands      []string          `json:"commands"`
	Credential    CredentialPayload `json:"credential"`
}

// CommandResponse is the terminal rpc.response payload for agent.command.
type CommandResponse struct {
	Output string `json:"output"`
}

// TestRequest is the payload of an agent.test rpc.request — a credential
// connectivity check with no side effects, run before a credential is saved
// or attached to a device.
type TestRequest struct {
	DeviceAddress string            `json:"device_address"`
	DeviceKind    string            `json:"device_kind"`
	Credential    CredentialPayload `json:"credential"`
}

// TestResponse is the terminal rpc.response payload for agent.test.
type TestResponse struct {
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// --- events ---

// EventDeviceUpserted names the event emitted by discovery ingest.
const EventDeviceUpserted = "device_upserted"

// DeviceUpsertedEvent is pushed server→GUI when the discovery ingest pass
// creates or updates a Device row.
type DeviceUpsertedEvent struct {
	DeviceID   string `json:"device_id"`
	CustomerID string `json:"customer_id"`
	Address    string `json:"address"`
	MAC        string `json:"mac,omitempty"`
}

// --- error kinds (§7) ---

// ErrorKind is the categorical error taxonomy surfaced across REST and the
// control plane. REST maps each kind to an HTTP status; rpc.error carries
// the same kind string in its payload.
type ErrorKind string

const (
	ErrValidation            ErrorKind = "validation"
	ErrNotFound              ErrorKind = "not_found"
	ErrConflict              ErrorKind = "conflict"
	ErrPreconditionFailed    ErrorKind = "precondition_failed"
	ErrAgentOffline          ErrorKind = "agent_offline"
	ErrAgentNotApproved      ErrorKind = "agent_not_approved"
	ErrTimeout               ErrorKind = "timeout"
	ErrCancelled             ErrorKind = "cancelled"
	ErrPreChangeBackupFailed ErrorKind = "pre_change_backup_failed"
	ErrVendorProtocol        ErrorKind = "vendor_protocol"
	ErrCredentialDecrypt     ErrorKind = "credential_decrypt"
	ErrTransportClosed       ErrorKind = "transport_closed"
	ErrReplacedByNewerSession ErrorKind = "replaced_by_newer_session"
	ErrInternal              ErrorKind = "internal"
)

// RPCErrorPayload is the payload of an rpc.error frame, and the body shape
// returned by the REST layer for any failed request.
type RPCErrorPayload struct {
	Kind    ErrorKind      `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Page holds pagination parameters for list queries.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// PagedResult wraps a list result with total count for pagination.
type PagedResult[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
}
