// Package protocol defines the event names and payloads exchanged between a
// parley client and the relay server.
//
// Every websocket message is one JSON [Envelope] carrying the event name and
// its payload. Audio payloads are base64-encoded little-endian 16-bit PCM,
// mono.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Client → relay events.
const (
	EventStartRecording    = "start_recording"
	EventAudioInputChunk   = "audio_input_chunk"
	EventStopRecording     = "stop_recording"
	EventInterruptResponse = "interrupt_response"
)

// Relay → client events.
const (
	EventAudioChunk        = "audio_chunk"
	EventAudioStreamEnd    = "audio_stream_end"
	EventSpeechStarted     = "speech_started"
	EventSpeechStopped     = "speech_stopped"
	EventProcessingStarted = "processing_started"
	EventResponseStarting  = "response_starting"
	EventResponseCanceled  = "response_canceled"
	EventProcessingError   = "processing_error"
	EventTextChunk         = "text_chunk"
)

// DefaultSampleRate is assumed when start_recording omits sampleRate.
const DefaultSampleRate = 16000

// ErrEmptyAudio is returned by [DecodeAudio] for an empty payload.
var ErrEmptyAudio = errors.New("protocol: empty audio payload")

// Envelope is the wire form of one event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StartRecording opens an upstream session at the given capture rate.
type StartRecording struct {
	SampleRate int `json:"sampleRate,omitempty"`
}

// Audio is the payload of audio_input_chunk and audio_chunk.
type Audio struct {
	Audio string `json:"audio"`
}

// ProcessingError is the payload of processing_error.
type ProcessingError struct {
	Error string `json:"error"`
}

// TextChunk is the payload of text_chunk.
type TextChunk struct {
	Text string `json:"text"`
}

// Empty is the payload of events that carry no data.
type Empty struct{}

// NewAudio wraps raw PCM bytes in an [Audio] payload.
func NewAudio(pcm []byte) Audio {
	return Audio{Audio: base64.StdEncoding.EncodeToString(pcm)}
}

// DecodeAudio returns the raw PCM bytes of an [Audio] payload.
func DecodeAudio(a Audio) ([]byte, error) {
	if a.Audio == "" {
		return nil, ErrEmptyAudio
	}
	pcm, err := base64.StdEncoding.DecodeString(a.Audio)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode audio: %w", err)
	}
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}
	return pcm, nil
}

// Marshal encodes event and payload as one [Envelope]. A nil payload is sent
// as an empty object.
func Marshal(event string, payload any) ([]byte, error) {
	if payload == nil {
		payload = Empty{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", event, err)
	}
	b, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return b, nil
}

// Unmarshal decodes one [Envelope]. It fails when the event name is missing.
func Unmarshal(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, errors.New("protocol: envelope without event name")
	}
	return env, nil
}

// DecodePayload unmarshals env.Data into v. Missing data leaves v untouched.
func DecodePayload(env Envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", env.Event, err)
	}
	return nil
}
