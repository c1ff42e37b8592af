// Package protocol defines the wire messages exchanged over a freshell
// WebSocket connection and the validation rules applied to inbound
// messages before dispatch.
//
// Every message is a JSON object with a "type" discriminator. Inbound
// messages are decoded into an Envelope first; the type-specific payload
// is decoded and validated by the handler for that type.
package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Version is the protocol version this server speaks. The first message
// on every connection must be a hello declaring exactly this version.
const Version = 1

// Client → server message types.
const (
	TypeHello          = "hello"
	TypePing           = "ping"
	TypeTerminalCreate = "terminal.create"
	TypeTerminalAttach = "terminal.attach"
	TypeTerminalDetach = "terminal.detach"
	TypeTerminalInput  = "terminal.input"
	TypeTerminalResize = "terminal.resize"
	TypeTerminalKill   = "terminal.kill"
	TypeTerminalList   = "terminal.list"
)

// Server → client message types.
const (
	TypeReady            = "ready"
	TypePong             = "pong"
	TypeError            = "error"
	TypeTerminalCreated  = "terminal.created"
	TypeAttachReady      = "terminal.attach.ready"
	TypeTerminalOutput   = "terminal.output"
	TypeOutputGap        = "terminal.output.gap"
	TypeTerminalDetached = "terminal.detached"
	TypeTerminalExit     = "terminal.exit"
	TypeTerminalListRsp  = "terminal.list.response"
)

// Error kinds carried by the error message. These are machine-readable;
// the accompanying message field is for humans.
const (
	ErrNotAuthenticated  = "NOT_AUTHENTICATED"
	ErrProtocolMismatch  = "PROTOCOL_MISMATCH"
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrUnknownMessage    = "UNKNOWN_MESSAGE"
	ErrInvalidTerminalID = "INVALID_TERMINAL_ID"
	ErrTerminalNotFound  = "TERMINAL_NOT_FOUND"
	ErrRateLimited       = "RATE_LIMITED"
	ErrCreateFailed      = "CREATE_FAILED"
	ErrInternal          = "INTERNAL_ERROR"
)

// Close codes. All other failures are reported in-band without closing.
const (
	// CloseProtocolMismatch is sent when the hello declares a protocol
	// version other than Version, before any ready is announced.
	CloseProtocolMismatch = 4001
	// CloseAuthFailed is sent on a bad handshake token or on a
	// non-handshake message from an unauthenticated connection.
	CloseAuthFailed = 4002
	// CloseTooManyConnections is sent at accept time when the concurrent
	// connection cap is already reached.
	CloseTooManyConnections = 4003
	// CloseCatastrophic is sent when the transport send buffer stays
	// above the catastrophic threshold for the full stall window.
	CloseCatastrophic = 4004
)

// Fixed reason strings for the distinguished close codes.
const (
	ReasonTooManyConnections = "Too many connections"
	ReasonCatastrophic       = "Catastrophic backpressure"
)

// Gap reasons.
const (
	GapReplayWindowExceeded = "replay_window_exceeded"
	GapQueueOverflow        = "queue_overflow"
)

// Resize bounds. Values outside these ranges are rejected, not clamped:
// a client sending impossible dimensions is malformed, not over-eager.
const (
	MinCols = 2
	MaxCols = 1000
	MinRows = 2
	MaxRows = 500
)

// Terminal modes. Shell terminals get the plain replay-ring budget;
// the agent modes get the larger ring floor because losing assistant
// session context costs more than losing scrollback.
const (
	ModeShell    = "shell"
	ModeClaude   = "claude"
	ModeCodex    = "codex"
	ModeGemini   = "gemini"
	ModeOpencode = "opencode"
)

// Envelope is the first-pass decode of any inbound message.
type Envelope struct {
	Type string `json:"type"`
}

// Client → server payloads.

type Hello struct {
	Type            string   `json:"type"`
	Token           string   `json:"token"`
	ProtocolVersion int      `json:"protocolVersion"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

type Ping struct {
	Type string `json:"type"`
}

type TerminalCreate struct {
	Type            string `json:"type"`
	RequestID       string `json:"requestId"`
	Mode            string `json:"mode"`
	Shell           string `json:"shell,omitempty"`
	Cwd             string `json:"cwd,omitempty"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
}

type TerminalAttach struct {
	Type            string `json:"type"`
	TerminalID      string `json:"terminalId"`
	SinceSeq        uint64 `json:"sinceSeq,omitempty"`
	AttachRequestID string `json:"attachRequestId,omitempty"`
}

type TerminalDetach struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
}

// TerminalInput carries keystrokes. Data is base64 on the wire so raw
// control bytes survive JSON.
type TerminalInput struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Data       []byte `json:"data"`
}

type TerminalResize struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

type TerminalKill struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
}

type TerminalList struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// Server → client payloads.

type Ready struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type Error struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"requestId,omitempty"`
	TerminalID string `json:"terminalId,omitempty"`
}

// TerminalCreated acknowledges a create. It never carries an output
// snapshot; output is delivered exclusively through attach/replay.
type TerminalCreated struct {
	Type                     string `json:"type"`
	RequestID                string `json:"requestId"`
	TerminalID               string `json:"terminalId"`
	CreatedAt                int64  `json:"createdAt"`
	EffectiveResumeSessionID string `json:"effectiveResumeSessionId,omitempty"`
}

// AttachReady precedes every other frame sent for an attach.
type AttachReady struct {
	Type            string `json:"type"`
	TerminalID      string `json:"terminalId"`
	HeadSeq         uint64 `json:"headSeq"`
	ReplayFromSeq   uint64 `json:"replayFromSeq"`
	ReplayToSeq     uint64 `json:"replayToSeq"`
	AttachRequestID string `json:"attachRequestId,omitempty"`
}

// TerminalOutput carries one frame of terminal output. Data is base64
// on the wire; [SeqStart, SeqEnd] is the inclusive per-byte sequence
// range, so len(Data) == SeqEnd-SeqStart+1.
type TerminalOutput struct {
	Type            string `json:"type"`
	TerminalID      string `json:"terminalId"`
	SeqStart        uint64 `json:"seqStart"`
	SeqEnd          uint64 `json:"seqEnd"`
	Data            []byte `json:"data"`
	AttachRequestID string `json:"attachRequestId,omitempty"`
}

// OutputGap reports a range of sequence numbers that will never be
// delivered to this attachment. Gaps are visible protocol events so a
// client can render a discontinuity instead of silently losing data.
type OutputGap struct {
	Type            string `json:"type"`
	TerminalID      string `json:"terminalId"`
	FromSeq         uint64 `json:"fromSeq"`
	ToSeq           uint64 `json:"toSeq"`
	Reason          string `json:"reason"`
	AttachRequestID string `json:"attachRequestId,omitempty"`
}

type TerminalDetached struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
}

type TerminalExit struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	ExitCode   int    `json:"exitCode"`
}

// TerminalInfo is one entry in a terminal.list.response.
type TerminalInfo struct {
	TerminalID      string `json:"terminalId"`
	Mode            string `json:"mode"`
	Status          string `json:"status"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
	LastActivityAt  int64  `json:"lastActivityAt"`
}

type TerminalListResponse struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId"`
	Terminals []TerminalInfo `json:"terminals"`
}

// ValidationError describes why an inbound message was rejected. The
// connection stays open; the error is reported in-band with Kind.
type ValidationError struct {
	Kind    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(kind, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// DecodeEnvelope parses the type discriminator from a raw message.
func DecodeEnvelope(data []byte) (Envelope, *ValidationError) {
	if len(data) == 0 {
		return Envelope{}, invalid(ErrInvalidMessage, "empty message")
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, invalid(ErrInvalidMessage, "invalid JSON: %v", err)
	}
	if env.Type == "" {
		return Envelope{}, invalid(ErrInvalidMessage, "missing message type")
	}
	return env, nil
}

// Decode unmarshals data into v, reporting schema violations as
// INVALID_MESSAGE.
func Decode(data []byte, v interface{}) *ValidationError {
	if err := json.Unmarshal(data, v); err != nil {
		return invalid(ErrInvalidMessage, "invalid payload: %v", err)
	}
	return nil
}

// terminalIDPattern matches server-issued terminal ids (UUIDs).
var terminalIDPattern = regexp.MustCompile(`^[0-9a-fA-F-]{8,64}$`)

// ValidTerminalID reports whether id is plausibly a server-issued id.
// Existence is checked separately; this guards the shape only.
func ValidTerminalID(id string) *ValidationError {
	if id == "" {
		return invalid(ErrInvalidTerminalID, "terminalId is required")
	}
	if !terminalIDPattern.MatchString(id) {
		return invalid(ErrInvalidTerminalID, "terminalId %q is not a valid id", id)
	}
	return nil
}

// resumeSessionPattern is deliberately loose: resume ids come from
// external CLI tooling and only need to be a well-formed identifier.
var resumeSessionPattern = regexp.MustCompile(`^[0-9a-zA-Z._-]{1,128}$`)

// ValidResumeSessionID reports whether a client-supplied resume session
// id is well formed. Callers drop malformed ids silently and create a
// fresh terminal rather than failing the request.
func ValidResumeSessionID(id string) bool {
	return resumeSessionPattern.MatchString(id)
}

// ValidMode reports whether mode names a supported terminal kind.
func ValidMode(mode string) bool {
	switch mode {
	case ModeShell, ModeClaude, ModeCodex, ModeGemini, ModeOpencode:
		return true
	}
	return false
}

// AgentMode reports whether mode is a coding-CLI kind, which gets the
// larger replay-ring floor.
func AgentMode(mode string) bool {
	return ValidMode(mode) && mode != ModeShell
}

// ValidateCreate checks a terminal.create message.
func (m *TerminalCreate) Validate() *ValidationError {
	if m.RequestID == "" {
		return invalid(ErrInvalidMessage, "requestId is required")
	}
	if !ValidMode(m.Mode) {
		return invalid(ErrInvalidMessage, "unknown mode %q", m.Mode)
	}
	return nil
}

// Validate checks a terminal.resize message.
func (m *TerminalResize) Validate() *ValidationError {
	if err := ValidTerminalID(m.TerminalID); err != nil {
		return err
	}
	if m.Cols < MinCols || m.Cols > MaxCols {
		return invalid(ErrInvalidMessage, "cols %d out of range [%d,%d]", m.Cols, MinCols, MaxCols)
	}
	if m.Rows < MinRows || m.Rows > MaxRows {
		return invalid(ErrInvalidMessage, "rows %d out of range [%d,%d]", m.Rows, MinRows, MaxRows)
	}
	return nil
}

// Validate checks a terminal.input message.
func (m *TerminalInput) Validate() *ValidationError {
	return ValidTerminalID(m.TerminalID)
}

// Validate checks a terminal.list message.
func (m *TerminalList) Validate() *ValidationError {
	if m.RequestID == "" {
		return invalid(ErrInvalidMessage, "requestId is required")
	}
	return nil
}
