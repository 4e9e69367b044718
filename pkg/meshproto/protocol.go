// Package meshproto defines the agent mesh's wire protocol: one
// length-prefixed JSON request per TCP connection, one length-prefixed
// JSON response, then the connection closes. Both the agent server
// (pkg/agent) and the mesh-agent command executor backend
// (pkg/exec) depend on this package; it depends on nothing else in
// the module, which keeps it free of import cycles between the two.
package meshproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// RequestKind discriminates the Request.Kind field.
type RequestKind string

const (
	KindPing           RequestKind = "ping"
	KindExecuteCommand RequestKind = "execute_command"
	KindGetHostInfo    RequestKind = "get_host_info"
	KindSyncDatabase   RequestKind = "sync_database"
	KindJoinRequest    RequestKind = "join_request"
)

// ResponseKind discriminates the Response.Kind field.
type ResponseKind string

const (
	KindPong          ResponseKind = "pong"
	KindCommandOutput ResponseKind = "command_output"
	KindHostInfo      ResponseKind = "host_info"
	KindSyncAccepted  ResponseKind = "sync_accepted"
	KindJoinAccepted  ResponseKind = "join_accepted"
	KindError         ResponseKind = "error"
)

// Request is the single JSON object sent per connection.
type Request struct {
	Kind RequestKind `json:"kind"`

	// ExecuteCommand
	Program string   `json:"program,omitempty"`
	Args    []string `json:"args,omitempty"`

	// SyncDatabase. Payload is an AES-256-GCM-sealed proof of the
	// per-peer shared secret, present once the two sides have
	// exchanged one via a Join Token redemption.
	FromHostname string `json:"from_hostname,omitempty"`
	Payload      []byte `json:"payload,omitempty"`

	// JoinRequest
	JoinToken       string `json:"join_token,omitempty"`
	JoinerHostname  string `json:"joiner_hostname,omitempty"`
	JoinerPublicKey string `json:"joiner_public_key,omitempty"`
}

// Response is the single JSON object returned per connection.
type Response struct {
	Kind ResponseKind `json:"kind"`

	// CommandOutput
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`

	// HostInfo
	Hostname string `json:"hostname,omitempty"`
	Username string `json:"username,omitempty"`
	Home     string `json:"home,omitempty"`
	UID      int    `json:"uid,omitempty"`
	GID      int    `json:"gid,omitempty"`

	// SyncAccepted
	Peers   []string `json:"peers,omitempty"`
	Payload []byte   `json:"payload,omitempty"`

	// JoinAccepted
	SharedSecret string   `json:"shared_secret,omitempty"`
	MeshPeers    []string `json:"mesh_peers,omitempty"`

	// Error
	Message string `json:"message,omitempty"`
}

// maxFrameSize bounds a single frame to guard against a corrupt or
// hostile length prefix forcing an unbounded allocation.
const maxFrameSize = 64 << 20 // 64 MiB

// WriteFrame writes v as a four-byte big-endian length prefix followed
// by its JSON encoding.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r into v.
func ReadFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
