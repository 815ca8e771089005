package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	SubprotocolJSON    = "aero-room.v1.json"
	SubprotocolMsgpack = "aero-room.v1.msgpack"
)

var ErrTrailingData = errors.New("unexpected trailing data")

// Codec encodes and decodes Envelopes for one WebSocket subprotocol.
type Codec interface {
	Subprotocol() string
	// Binary reports whether frames go out as binary (rather than text)
	// WebSocket messages.
	Binary() bool
	Encode(ev Event, id uint64, payload any) ([]byte, error)
	Decode(b []byte) (Frame, error)
}

// Frame is a decoded envelope whose payload has not been decoded yet.
type Frame struct {
	Event Event
	ID    uint64

	data      []byte
	unmarshal func([]byte, any) error
}

// HasPayload reports whether the frame carried a data field.
func (f Frame) HasPayload() bool {
	return len(f.data) > 0
}

// Payload decodes the frame data into v. A frame without data leaves v
// untouched.
func (f Frame) Payload(v any) error {
	if len(f.data) == 0 {
		return nil
	}
	return f.unmarshal(f.data, v)
}

// Subprotocols lists the supported subprotocols in server preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolMsgpack}
}

// CodecFor returns the codec for a negotiated subprotocol. An empty
// subprotocol selects JSON.
func CodecFor(subprotocol string) (Codec, bool) {
	switch subprotocol {
	case "", SubprotocolJSON:
		return JSONCodec{}, true
	case SubprotocolMsgpack:
		return MsgpackCodec{}, true
	default:
		return nil, false
	}
}

type jsonEnvelope struct {
	Event Event           `json:"event"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JSONCodec is strict: unknown fields and trailing data are rejected.
type JSONCodec struct{}

func (JSONCodec) Subprotocol() string { return SubprotocolJSON }
func (JSONCodec) Binary() bool        { return false }

func (JSONCodec) Encode(ev Event, id uint64, payload any) ([]byte, error) {
	env := jsonEnvelope{Event: ev, ID: id}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", ev, err)
		}
		env.Data = b
	}
	return json.Marshal(env)
}

func (JSONCodec) Decode(b []byte) (Frame, error) {
	var env jsonEnvelope
	if err := decodeStrictJSON(b, &env); err != nil {
		return Frame{}, err
	}
	if env.Event == "" {
		return Frame{}, errors.New("missing event")
	}
	data := []byte(env.Data)
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = nil
	}
	return Frame{Event: env.Event, ID: env.ID, data: data, unmarshal: decodeStrictJSON}, nil
}

func decodeStrictJSON(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ErrTrailingData
	}
	return nil
}

type msgpackEnvelope struct {
	Event Event              `json:"event"`
	ID    uint64             `json:"id,omitempty"`
	Data  msgpack.RawMessage `json:"data,omitempty"`
}

// MsgpackCodec uses the JSON field names so both codecs share one schema.
type MsgpackCodec struct{}

func (MsgpackCodec) Subprotocol() string { return SubprotocolMsgpack }
func (MsgpackCodec) Binary() bool        { return true }

func (MsgpackCodec) Encode(ev Event, id uint64, payload any) ([]byte, error) {
	env := msgpackEnvelope{Event: ev, ID: id}
	if payload != nil {
		b, err := marshalMsgpack(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", ev, err)
		}
		env.Data = b
	}
	return marshalMsgpack(env)
}

func (MsgpackCodec) Decode(b []byte) (Frame, error) {
	var env msgpackEnvelope
	if err := unmarshalMsgpack(b, &env); err != nil {
		return Frame{}, err
	}
	if env.Event == "" {
		return Frame{}, errors.New("missing event")
	}
	data := []byte(env.Data)
	// A lone msgpack nil (0xc0) is an absent payload.
	if len(data) == 1 && data[0] == 0xc0 {
		data = nil
	}
	return Frame{Event: env.Event, ID: env.ID, data: data, unmarshal: unmarshalMsgpack}, nil
}

func marshalMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalMsgpack(b []byte, v any) error {
	r := bytes.NewReader(b)
	dec := msgpack.NewDecoder(r)
	dec.SetCustomStructTag("json")
	dec.DisallowUnknownFields(true)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if r.Len() != 0 {
		return ErrTrailingData
	}
	return nil
}
