package chat

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Transport is the bidirectional channel of one connection. Receive blocks
// until the next inbound event and wraps ErrTransportClosed once the channel
// is gone. Send must be safe to call concurrently with Receive. Close is
// idempotent; a non-empty reason is surfaced to the peer.
type Transport interface {
	Receive(ctx context.Context) (Inbound, error)
	Send(msg Message) error
	Close(reason string) error
	RemoteAddr() string
}

// ---------------------------------------------
// Wire codec
// ---------------------------------------------

// TextEvent is the outbound text-message frame.
type TextEvent struct {
	Type    string    `json:"type"`
	Payload string    `json:"payload"`
	ID      MessageID `json:"id"`
	Author  string    `json:"author"`
	Time    string    `json:"time"`
}

// AudioHeader precedes the raw bytes of an outbound binary-message frame.
// It carries no id.
type AudioHeader struct {
	Type   string `json:"type"`
	Author string `json:"author"`
	Time   string `json:"time"`
}

var errShortFrame = errors.New("audio frame too short")

// EncodeText renders a text message as a JSON text frame.
func EncodeText(msg Message) ([]byte, error) {
	return json.Marshal(TextEvent{
		Type:    string(KindText),
		Payload: msg.Text,
		ID:      msg.ID,
		Author:  msg.Author,
		Time:    msg.Timestamp,
	})
}

// EncodeAudio renders an audio message as a binary frame: a 2-byte big-endian
// header length, the JSON header, then the audio bytes.
func EncodeAudio(msg Message) ([]byte, error) {
	header, err := json.Marshal(AudioHeader{
		Type:   string(KindAudio),
		Author: msg.Author,
		Time:   msg.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	if len(header) > 0xFFFF {
		return nil, fmt.Errorf("audio header too large: %d bytes", len(header))
	}

	frame := make([]byte, 2+len(header)+len(msg.Audio))
	binary.BigEndian.PutUint16(frame, uint16(len(header)))
	copy(frame[2:], header)
	copy(frame[2+len(header):], msg.Audio)
	return frame, nil
}

// DecodeAudio splits a binary frame produced by EncodeAudio.
func DecodeAudio(frame []byte) (AudioHeader, []byte, error) {
	var header AudioHeader
	if len(frame) < 2 {
		return header, nil, errShortFrame
	}
	n := int(binary.BigEndian.Uint16(frame))
	if len(frame) < 2+n {
		return header, nil, errShortFrame
	}
	if err := json.Unmarshal(frame[2:2+n], &header); err != nil {
		return header, nil, err
	}
	return header, frame[2+n:], nil
}
