// Package wire turns envelopes into bytes and bytes into frames.
package wire

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/dkeye/chatmesh/internal/domain"
)

// Codec is the pluggable envelope encoding. Framing is handled separately.
type Codec interface {
	Encode(domain.Envelope) ([]byte, error)
	Decode([]byte) (domain.Envelope, error)
}

// legacyTimeLayout is the minute-resolution stamp older peers send.
const legacyTimeLayout = "2006-01-02 15:04"

// message is the on-wire JSON object.
type message struct {
	Sender  string  `json:"sender"`
	Title   string  `json:"title"`
	IP      string  `json:"IP"`
	Content *string `json:"content"`
	Time    string  `json:"time"`
}

type JSONCodec struct{}

func (JSONCodec) Encode(env domain.Envelope) ([]byte, error) {
	m := message{
		Sender: env.Sender,
		Title:  string(env.Kind),
		IP:     env.Origin,
	}
	if env.Payload != "" {
		p := env.Payload
		m.Content = &p
	}
	if !env.SentAt.IsZero() {
		m.Time = env.SentAt.UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Kind, err)
	}
	return b, nil
}

func (JSONCodec) Decode(b []byte) (domain.Envelope, error) {
	var m message
	if err := json.Unmarshal(b, &m); err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %w", domain.ErrProtocol, err)
	}
	if m.Title == "" {
		return domain.Envelope{}, fmt.Errorf("%w: missing title", domain.ErrProtocol)
	}
	env := domain.Envelope{
		Kind:   domain.MessageKind(m.Title),
		Sender: m.Sender,
		Origin: m.IP,
		SentAt: parseTime(m.Time),
	}
	if m.Content != nil {
		env.Payload = *m.Content
	}
	return env, nil
}

// parseTime is lenient: the stamp is advisory, so an unreadable one is dropped.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if t, err := time.ParseInLocation(legacyTimeLayout, s, time.UTC); err == nil {
		return t
	}
	return time.Time{}
}
