package stdio

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/openfroyo/handlerkit/pkg/proxy"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady is sent by the handler process once it accepts commands.
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand asks the handler process to run one cycle.
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent carries a log line from the handler process.
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone carries the progress event of a finished cycle.
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError reports a classified cycle failure.
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit is sent before the handler process terminates.
	MessageTypeExit MessageType = "EXIT"
)

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage announces the handler process.
type ReadyMessage struct {
	Version string         `json:"version,omitempty"`
	PID     int            `json:"pid"`
	Actions []proxy.Action `json:"actions,omitempty"`
}

// CommandMessage asks for one handler cycle.
type CommandMessage struct {
	ID              string                        `json:"id"`
	Action          proxy.Action                  `json:"action"`
	Timeout         int                           `json:"timeout"` // seconds
	Request         *proxy.ResourceHandlerRequest `json:"request"`
	CallbackContext json.RawMessage               `json:"callback_context,omitempty"`
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Action.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if cmd.Request == nil {
		return fmt.Errorf("command request is required")
	}
	return nil
}

// EventMessage is a log line emitted while a cycle runs.
type EventMessage struct {
	CommandID string            `json:"command_id"`
	Level     string            `json:"level"` // debug, info, warn, error
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}

// DoneMessage carries the result of a finished cycle.
type DoneMessage struct {
	CommandID string               `json:"command_id"`
	Event     *proxy.ProgressEvent `json:"event"`
	Duration  float64              `json:"duration"` // seconds
}

// ErrorMessage reports that a cycle failed before producing an event.
type ErrorMessage struct {
	CommandID string                 `json:"command_id,omitempty"`
	Code      proxy.HandlerErrorCode `json:"code"`
	Message   string                 `json:"message"`
}

// ExitMessage is sent before the handler process terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	CommandsTotal int    `json:"commands_total"`
}

// Encoder writes protocol messages to an io.Writer. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes one message line and flushes it.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(msgBytes); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// EncodeEvent sends an EVENT message.
func (e *Encoder) EncodeEvent(event *EventMessage) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return e.Encode(MessageTypeEvent, event)
}

// Decoder reads protocol messages from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	const maxCapacity = 10 * 1024 * 1024 // 10 MB
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next message. It returns io.EOF when the stream ends.
func (d *Decoder) Decode() (*Message, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	line := d.r.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	return &msg, nil
}

// DecodeCommand reads the next message and requires it to be a command.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeCommand {
		return nil, fmt.Errorf("expected CMD message, got %s", msg.Type)
	}

	var cmd CommandMessage
	if err := ParseData(msg.Data, &cmd); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	return &cmd, nil
}

// ParseData decodes the payload of a message.
func ParseData(data json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	return nil
}
