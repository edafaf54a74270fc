// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"errors"
)

// Control message types (§6.3).
const (
	ControlModeChange       byte = 0x01
	ControlFileInfo         byte = 0x02
	ControlCongestionParams byte = 0x03
	ControlError            byte = 0xFF
)

// ControlHeaderSize is the fixed control message header: version(1) type(1)
// message_id(2) timestamp(4) flags(2) mode(2) parameter_length(4).
const ControlHeaderSize = 16

var (
	ErrUnknownControlType    = errors.New("protocol: unknown control message type")
	ErrTruncatedControl      = errors.New("protocol: truncated control message")
	ErrControlLengthMismatch = errors.New("protocol: control parameter_length does not match payload length")
)

// KnownControlType reports whether t is a defined control message type.
func KnownControlType(t byte) bool {
	switch t {
	case ControlModeChange, ControlFileInfo, ControlCongestionParams, ControlError:
		return true
	default:
		return false
	}
}

// ControlMessage is a fully decoded control-channel message: a fixed header
// plus a JSON parameter blob whose shape depends on Type (mode-change
// requests, file metadata announcements, negotiated congestion parameters,
// or an error report).
type ControlMessage struct {
	Version     byte
	Type        byte
	MessageID   uint16
	TimestampMs uint32
	Flags       uint16
	Mode        uint16
	Parameters  []byte // raw JSON; see the *Params types below for shapes
}

// EncodeControl serializes m to its wire form.
func EncodeControl(m ControlMessage) ([]byte, error) {
	if !KnownControlType(m.Type) {
		return nil, ErrUnknownControlType
	}

	buf := make([]byte, ControlHeaderSize+len(m.Parameters))
	buf[0] = m.Version
	buf[1] = m.Type
	binary.BigEndian.PutUint16(buf[2:4], m.MessageID)
	binary.BigEndian.PutUint32(buf[4:8], m.TimestampMs)
	binary.BigEndian.PutUint16(buf[8:10], m.Flags)
	binary.BigEndian.PutUint16(buf[10:12], m.Mode)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(m.Parameters)))
	copy(buf[ControlHeaderSize:], m.Parameters)
	return buf, nil
}

// DecodeControl parses a complete control message.
func DecodeControl(buf []byte) (ControlMessage, error) {
	var m ControlMessage
	if len(buf) < ControlHeaderSize {
		return m, ErrTruncatedControl
	}

	m.Version = buf[0]
	m.Type = buf[1]
	if !KnownControlType(m.Type) {
		return m, ErrUnknownControlType
	}
	m.MessageID = binary.BigEndian.Uint16(buf[2:4])
	m.TimestampMs = binary.BigEndian.Uint32(buf[4:8])
	m.Flags = binary.BigEndian.Uint16(buf[8:10])
	m.Mode = binary.BigEndian.Uint16(buf[10:12])

	paramLen := binary.BigEndian.Uint32(buf[12:16])
	rest := buf[ControlHeaderSize:]
	if uint32(len(rest)) != paramLen {
		return m, ErrControlLengthMismatch
	}
	if paramLen > 0 {
		m.Parameters = append([]byte(nil), rest...)
	}
	return m, nil
}

// ModeChangeParams is the JSON body of a MODE_CHANGE control message,
// requesting the peer switch the active transmission policy.
type ModeChangeParams struct {
	Mode string `json:"mode"`
}

// FileInfoParams is the JSON body of a FILE_INFO control message, announcing
// the file about to be transferred.
type FileInfoParams struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	ChunkSize int    `json:"chunk_size"`
	SHA256    string `json:"sha256"`
}

// CongestionParams is the JSON body of a CONGESTION_PARAMS control message,
// carrying negotiated AIMD tuning values.
type CongestionParams struct {
	InitialWindow int `json:"initial_window"`
	MinWindow     int `json:"min_window"`
	MaxWindow     int `json:"max_window"`
}

// ErrorParams is the JSON body of an ERROR control message.
type ErrorParams struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
