package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire shape a mirrored broker message takes once it
// leaves the Broker facade for a downstream bus consumer: enough to
// reconstruct which topic/publisher it came from and verify it
// wasn't altered in transit, without coupling the bridge to the
// broker's internal Message type.
type Envelope struct {
	Timestamp time.Time       `json:"ts"`       // Message creation time (required)
	Topic     string          `json:"topic"`    // Broker topic name (required)
	Source    string          `json:"source"`   // Publisher id or bridge name (required)
	Payload   json.RawMessage `json:"payload"`  // Message content (required)
	Checksum  string          `json:"checksum"` // sha256(payload||ts||topic||source)
	Version   int             `json:"version"`  // Envelope format version (start at 1)

	MessageID string            `json:"message_id,omitempty"` // Broker message id
	Headers   map[string]string `json:"headers,omitempty"`    // Broker message headers
}

// ComputeChecksum generates a SHA256 checksum for message integrity.
func (e *Envelope) ComputeChecksum() string {
	hashInput := fmt.Sprintf("%s||%d||%s||%s",
		string(e.Payload),
		e.Timestamp.UnixNano(),
		e.Topic,
		e.Source)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// Validate validates envelope contents and verifies checksum.
func Validate(e *Envelope) error {
	if e.Topic == "" {
		return fmt.Errorf("envelope topic is empty")
	}
	if e.Source == "" {
		return fmt.Errorf("envelope source is empty")
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope payload is empty")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("envelope timestamp is zero")
	}
	if e.Version <= 0 {
		return fmt.Errorf("envelope version must be positive, got %d", e.Version)
	}

	if e.Checksum != "" {
		expected := e.ComputeChecksum()
		if e.Checksum != expected {
			return fmt.Errorf("envelope checksum mismatch: expected %s, got %s", expected, e.Checksum)
		}
	}

	return nil
}

// SetChecksum computes and sets the checksum for the envelope.
func (e *Envelope) SetChecksum() {
	e.Checksum = e.ComputeChecksum()
}

// IsValid returns true if envelope passes validation.
func (e *Envelope) IsValid() bool {
	return Validate(e) == nil
}

// GetAge returns age of message relative to current time.
func (e *Envelope) GetAge() time.Duration {
	return time.Since(e.Timestamp)
}

// IsStale checks if message exceeds maximum age threshold.
func (e *Envelope) IsStale(maxAge time.Duration) bool {
	return e.GetAge() > maxAge
}

// GetHeader returns header value for key, empty string if not found.
func (e *Envelope) GetHeader(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// SetHeader sets header key-value pair.
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

// NewEnvelope creates a new envelope with required fields and version 1.
func NewEnvelope(topic, source string, payload json.RawMessage) *Envelope {
	envelope := &Envelope{
		Timestamp: time.Now(),
		Topic:     topic,
		Source:    source,
		Payload:   payload,
		Version:   1,
	}
	envelope.SetChecksum()
	return envelope
}

// ToJSON serializes envelope to JSON.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes envelope from JSON and validates.
func FromJSON(data []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	if err := Validate(&envelope); err != nil {
		return nil, fmt.Errorf("envelope validation failed: %w", err)
	}

	return &envelope, nil
}

// EnvelopeBuilder provides a fluent interface for envelope construction.
type EnvelopeBuilder struct {
	envelope *Envelope
}

// NewBuilder creates a new envelope builder.
func NewBuilder(topic, source string) *EnvelopeBuilder {
	return &EnvelopeBuilder{
		envelope: &Envelope{
			Timestamp: time.Now(),
			Topic:     topic,
			Source:    source,
			Version:   1,
		},
	}
}

// WithPayload sets the payload.
func (b *EnvelopeBuilder) WithPayload(payload json.RawMessage) *EnvelopeBuilder {
	b.envelope.Payload = payload
	return b
}

// WithTimestamp sets the timestamp.
func (b *EnvelopeBuilder) WithTimestamp(ts time.Time) *EnvelopeBuilder {
	b.envelope.Timestamp = ts
	return b
}

// WithHeader adds a header.
func (b *EnvelopeBuilder) WithHeader(key, value string) *EnvelopeBuilder {
	b.envelope.SetHeader(key, value)
	return b
}

// WithMessageID sets the message ID.
func (b *EnvelopeBuilder) WithMessageID(id string) *EnvelopeBuilder {
	b.envelope.MessageID = id
	return b
}

// Build constructs the final envelope with checksum.
func (b *EnvelopeBuilder) Build() (*Envelope, error) {
	if err := Validate(b.envelope); err != nil {
		return nil, fmt.Errorf("envelope build validation failed: %w", err)
	}
	b.envelope.SetChecksum()
	return b.envelope, nil
}
