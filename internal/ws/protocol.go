// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

var ErrMalformedMessage = errors.New("malformed message")

// Message types on the wire
const (
	TypeInput  = "input"
	TypeOutput = "output"
	TypeResize = "resize"
)

// Message is one terminal protocol message. The set of variants is closed:
// Input, Output and Resize.
type Message interface {
	isMessage()
}

// Input is keystroke or paste data from the client.
type Input struct {
	Data []byte
}

// Output is shell output sent to the client.
type Output struct {
	Data []byte
}

// Resize is a terminal geometry change requested by the client.
type Resize struct {
	Rows uint16
	Cols uint16
}

func (Input) isMessage()  {}
func (Output) isMessage() {}
func (Resize) isMessage() {}

// envelope is the JSON frame: {"type": ..., "data": ...}.
// Resize may also carry rows/cols at the top level.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Rows *int            `json:"rows,omitempty"`
	Cols *int            `json:"cols,omitempty"`
}

type size struct {
	Rows *int `json:"rows"`
	Cols *int `json:"cols"`
}

// DecodeMessage parses a frame received from the client. Binary frames are
// raw input. Only input and resize are accepted from clients; anything else
// is ErrMalformedMessage.
func DecodeMessage(messageType int, payload []byte) (Message, error) {
	switch messageType {
	case websocket.BinaryMessage:
		return Input{Data: payload}, nil
	case websocket.TextMessage:
	default:
		return nil, fmt.Errorf("%w: frame type %d", ErrMalformedMessage, messageType)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch env.Type {
	case TypeInput:
		var data string
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: input data must be a string", ErrMalformedMessage)
		}
		return Input{Data: []byte(data)}, nil

	case TypeResize:
		sz := size{Rows: env.Rows, Cols: env.Cols}
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, &sz); err != nil {
				return nil, fmt.Errorf("%w: resize data: %v", ErrMalformedMessage, err)
			}
		}
		rows, ok := dimension(sz.Rows)
		if !ok {
			return nil, fmt.Errorf("%w: invalid rows", ErrMalformedMessage)
		}
		cols, ok := dimension(sz.Cols)
		if !ok {
			return nil, fmt.Errorf("%w: invalid cols", ErrMalformedMessage)
		}
		return Resize{Rows: rows, Cols: cols}, nil

	case TypeOutput:
		return nil, fmt.Errorf("%w: output is server-to-client only", ErrMalformedMessage)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, env.Type)
	}
}

func dimension(v *int) (uint16, bool) {
	if v == nil || *v <= 0 || *v > 0xFFFF {
		return 0, false
	}
	return uint16(*v), true
}

// OutputFrame returns the websocket message type and payload for a chunk
// of shell output. Valid UTF-8 goes out as an output text frame. Anything
// else is sent as a binary frame holding the raw bytes, since a JSON
// string cannot carry them.
func OutputFrame(data []byte) (int, []byte, error) {
	if !utf8.Valid(data) {
		return websocket.BinaryMessage, data, nil
	}
	frame, err := EncodeOutput(data)
	return websocket.TextMessage, frame, err
}

// EncodeOutput builds the text frame for shell output.
func EncodeOutput(data []byte) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}{TypeOutput, string(data)})
}
