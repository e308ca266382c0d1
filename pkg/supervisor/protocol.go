package supervisor

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize guards against a corrupt or hostile length prefix causing an
// unbounded allocation.
const maxFrameSize = 16 << 20

// method names the four verbs of spec §4.6.
type method string

const (
	methodLoad         method = "load"
	methodStart        method = "start"
	methodSubscribeStop method = "subscribe_stop"
	methodHealthCheck  method = "health_check"
	methodPing         method = "ping"
)

// envelope is the wire shape of every frame in both directions: a method
// name, an opaque JSON payload, and an error string set only on failure
// responses. One struct serves requests and responses rather than a
// pair of types, since the fields needed are identical either way.
type envelope struct {
	Method  method          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// loadRequest is the payload for methodLoad.
type loadRequest struct {
	ArtifactPath string            `json:"artifact_path"`
	Secrets      map[string]string `json:"secrets"`
	Environment  map[string]string `json:"environment"`
}

// loadResponse carries the declared resource requests; pkg/scheduler's
// handshake hands them back to Start unchanged, without provisioning them.
type loadResponse struct {
	Resources []json.RawMessage `json:"resources"`
}

// startRequest is the payload for methodStart.
type startRequest struct {
	BindIP    string            `json:"bind_ip"`
	Resources []json.RawMessage `json:"resources"`
}

// StopReason mirrors spec §4.6's subscribe_stop reason enum.
type StopReason string

const (
	StopReasonEnd    StopReason = "end"
	StopReasonCrash  StopReason = "crash"
	StopReasonSignal StopReason = "signal"
)

// stopEvent is one frame of the subscribe_stop stream.
type stopEvent struct {
	Reason  StopReason `json:"reason"`
	Message string     `json:"message"`
}

// writeFrame writes env as a 4-byte big-endian length prefix followed by
// its JSON encoding.
func writeFrame(w io.Writer, env envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed JSON frame from r.
func readFrame(r io.Reader) (envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return envelope{}, fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return envelope{}, fmt.Errorf("reading frame body: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("unmarshaling frame: %w", err)
	}
	return env, nil
}
