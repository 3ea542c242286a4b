// Copyright 2025 The bgpsessd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wire encodes and decodes BGP-4 messages per RFC 4271 section 4,
// including the RFC 9072 extended optional-parameters form of OPEN. The
// decoders accept adversarial input: every field access is preceded by an
// explicit length check and failures carry the BGP error code and subcode
// for the NOTIFICATION the session layer must send.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Message types.
const (
	TypeOpen         = 1
	TypeUpdate       = 2
	TypeNotification = 3
	TypeKeepalive    = 4
	TypeRouteRefresh = 5
)

// Message sizes. Every size includes the 19-byte header.
const (
	MarkerLen = 16
	HeaderLen = 19
	MaxLen    = 4096

	OpenMinLen         = HeaderLen + 10
	NotificationMinLen = HeaderLen + 2
	UpdateMinLen       = HeaderLen + 4
	KeepaliveLen       = HeaderLen
	RouteRefreshLen    = HeaderLen + 4
)

// BGP protocol version.
const Version = 4

// AS_TRANS, RFC 6793.
const ASTrans = 23456

// Error codes.
const (
	ErrHeader        = 1
	ErrOpen          = 2
	ErrUpdate        = 3
	ErrHoldTimer     = 4
	ErrFSM           = 5
	ErrCease         = 6
	ErrRouteRefresh  = 7
	ErrSendHoldTimer = 8
)

// Header error subcodes.
const (
	ErrHeaderSync = 1
	ErrHeaderLen  = 2
	ErrHeaderType = 3
)

// OPEN error subcodes.
const (
	ErrOpenVersion  = 1
	ErrOpenAS       = 2
	ErrOpenBGPID    = 3
	ErrOpenOptParam = 4
	ErrOpenHoldtime = 6
	ErrOpenRole     = 11
)

// FSM error subcodes.
const (
	ErrFSMUnexOpenSent    = 1
	ErrFSMUnexOpenConfirm = 2
	ErrFSMUnexEstablished = 3
)

// Cease subcodes.
const (
	CeaseMaxPrefix     = 1
	CeaseAdminDown     = 2
	CeasePeerUnconf    = 3
	CeaseAdminReset    = 4
	CeaseConnReject    = 5
	CeaseOtherChange   = 6
	CeaseCollision     = 7
	CeaseRsrcExhaust   = 8
	CeaseHardReset     = 9
	CeaseMaxSentPrefix = 10
)

// Route refresh subcodes and subtypes.
const (
	ErrRRefreshInvalidLen = 1

	RRefreshRequest = 0
	RRefreshBeginRR = 1
	RRefreshEndRR   = 2
)

// Optional parameter types.
const (
	optParamCapabilities = 2
	optParamExtLen       = 255
)

var marker = bytes.Repeat([]byte{0xff}, MarkerLen)

// MessageError is a protocol violation detected while decoding. Code and
// Subcode are the values to put into the NOTIFICATION sent back; Data is
// its optional payload.
type MessageError struct {
	Code    uint8
	Subcode uint8
	Data    []byte
	Text    string
}

func (e *MessageError) Error() string {
	return e.Text
}

func msgError(code, subcode uint8, data []byte, format string, args ...any) *MessageError {
	return &MessageError{
		Code:    code,
		Subcode: subcode,
		Data:    data,
		Text:    fmt.Sprintf(format, args...),
	}
}

// Header is a parsed BGP message header.
type Header struct {
	Len  uint16
	Type uint8
}

// ParseHeader validates the 19-byte message header: marker, length bounds
// per message type, and type membership. The caller must supply at least
// HeaderLen bytes.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, fmt.Errorf("wire: header needs %d bytes, have %d", HeaderLen, len(data))
	}
	if !bytes.Equal(data[:MarkerLen], marker) {
		return Header{}, msgError(ErrHeader, ErrHeaderSync, nil, "sync error")
	}
	h := Header{
		Len:  binary.BigEndian.Uint16(data[MarkerLen:]),
		Type: data[MarkerLen+2],
	}
	lenBytes := data[MarkerLen : MarkerLen+2]

	if h.Len < HeaderLen || h.Len > MaxLen {
		return Header{}, msgError(ErrHeader, ErrHeaderLen, lenBytes,
			"received message: illegal length: %d byte", h.Len)
	}

	var min uint16
	switch h.Type {
	case TypeOpen:
		min = OpenMinLen
	case TypeUpdate:
		min = UpdateMinLen
	case TypeNotification:
		min = NotificationMinLen
	case TypeKeepalive:
		if h.Len != KeepaliveLen {
			return Header{}, msgError(ErrHeader, ErrHeaderLen, lenBytes,
				"received KEEPALIVE: illegal len: %d byte", h.Len)
		}
		return h, nil
	case TypeRouteRefresh:
		min = RouteRefreshLen
	default:
		return Header{}, msgError(ErrHeader, ErrHeaderType, []byte{h.Type},
			"received msg with unknown type %d", h.Type)
	}
	if h.Len < min {
		return Header{}, msgError(ErrHeader, ErrHeaderLen, lenBytes,
			"received message type %d: illegal len: %d byte", h.Type, h.Len)
	}
	return h, nil
}

func appendHeader(dst []byte, msgType uint8, length int) []byte {
	dst = append(dst, marker...)
	dst = binary.BigEndian.AppendUint16(dst, uint16(length))
	return append(dst, msgType)
}

// Open is a decoded OPEN message. The BGP identifier is kept in network
// byte order and treated as opaque.
type Open struct {
	Version  uint8
	ShortAS  uint16
	HoldTime uint16
	ID       uint32
	// OptParams holds the concatenated capability TLVs from all
	// capability optional parameters.
	OptParams []byte
}

// EncodeOpen builds a full OPEN message. tlvs is the capability TLV list
// produced by the capa package; when the optional-parameters block would
// not fit the 1-byte length field, the RFC 9072 extended form with the 255
// sentinel is emitted.
func EncodeOpen(shortAS, holdTime uint16, bgpID uint32, tlvs []byte) []byte {
	optparamlen := len(tlvs)
	length := OpenMinLen + optparamlen
	extended := false
	switch {
	case optparamlen == 0:
		// nothing
	case optparamlen+2 >= 255:
		// RFC 9072: 255 is the magic size requesting the extra header
		extended = true
		// 3 bytes each for the extended-length header and the
		// capabilities parameter header
		length += 2 * 3
	default:
		// regular capabilities header
		length += 2
	}

	buf := make([]byte, 0, length)
	buf = appendHeader(buf, TypeOpen, length)
	buf = append(buf, Version)
	buf = binary.BigEndian.AppendUint16(buf, shortAS)
	buf = binary.BigEndian.AppendUint16(buf, holdTime)
	buf = binary.BigEndian.AppendUint32(buf, bgpID)

	switch {
	case optparamlen == 0:
		buf = append(buf, 0)
	case extended:
		buf = append(buf, optParamExtLen)
		buf = append(buf, optParamExtLen)
		buf = binary.BigEndian.AppendUint16(buf, uint16(optparamlen+1+2))
		buf = append(buf, optParamCapabilities)
		buf = binary.BigEndian.AppendUint16(buf, uint16(optparamlen))
		buf = append(buf, tlvs...)
	default:
		buf = append(buf, uint8(optparamlen+2))
		buf = append(buf, optParamCapabilities)
		buf = append(buf, uint8(optparamlen))
		buf = append(buf, tlvs...)
	}
	return buf
}

var errOpenBadLen = msgError(ErrOpen, 0, nil, "corrupt OPEN message received: length mismatch")

// DecodeOpen parses a full OPEN message whose header has already been
// validated. Strict walking: any length mismatch in the optional
// parameters is fatal; an unknown optional-parameter type yields
// NOTIFICATION(Open, OptParam) which the session layer treats leniently.
func DecodeOpen(msg []byte) (*Open, error) {
	if len(msg) < OpenMinLen {
		return nil, errOpenBadLen
	}
	msglen := binary.BigEndian.Uint16(msg[MarkerLen:])
	if int(msglen) != len(msg) {
		return nil, errOpenBadLen
	}
	body := msg[HeaderLen:]
	o := &Open{
		Version:  body[0],
		ShortAS:  binary.BigEndian.Uint16(body[1:]),
		HoldTime: binary.BigEndian.Uint16(body[3:]),
		ID:       binary.BigEndian.Uint32(body[5:]),
	}
	if o.Version != Version {
		// carry the highest version we support
		rversion := uint8(Version)
		return nil, msgError(ErrOpen, ErrOpenVersion, []byte{rversion},
			"peer wants unrecognized version %d", o.Version)
	}

	optparamlen := int(body[9])
	p := body[10:]
	extended := 0

	if optparamlen == 0 {
		if msglen != OpenMinLen {
			return nil, errOpenBadLen
		}
		return o, nil
	}
	if int(msglen) < OpenMinLen+1 {
		return nil, errOpenBadLen
	}
	if p[0] == optParamExtLen {
		if len(p) < 3 {
			return nil, errOpenBadLen
		}
		optparamlen = int(binary.BigEndian.Uint16(p[1:]))
		p = p[3:]
		extended = 1
	}
	// the RFC 9072 encoding has 3 extra bytes
	if optparamlen+3*extended != int(msglen)-OpenMinLen {
		return nil, errOpenBadLen
	}

	plen := optparamlen
	for plen > 0 {
		if plen < 2+extended {
			return nil, errOpenBadLen
		}
		opType := p[0]
		p = p[1:]
		plen--
		var opLen int
		if extended == 0 {
			opLen = int(p[0])
			p = p[1:]
			plen--
		} else {
			opLen = int(binary.BigEndian.Uint16(p))
			p = p[2:]
			plen -= 2
		}
		if opLen > plen {
			return nil, errOpenBadLen
		}
		val := p[:opLen]
		p = p[opLen:]
		plen -= opLen

		switch opType {
		case optParamCapabilities:
			o.OptParams = append(o.OptParams, val...)
		default:
			// The RFCs tell us to leave the data section empty and
			// notify the peer with Open/OptParam. How the peer should
			// know which parameter we rejected is anyone's guess.
			return nil, msgError(ErrOpen, ErrOpenOptParam, nil,
				"received OPEN message with unsupported optional parameter: type %d", opType)
		}
	}
	return o, nil
}

// EncodeKeepalive builds a KEEPALIVE message.
func EncodeKeepalive() []byte {
	return appendHeader(make([]byte, 0, KeepaliveLen), TypeKeepalive, KeepaliveLen)
}

// EncodeUpdate wraps a raw UPDATE body (as produced by the RDE) into a
// framed message.
func EncodeUpdate(body []byte) []byte {
	length := HeaderLen + len(body)
	buf := appendHeader(make([]byte, 0, length), TypeUpdate, length)
	return append(buf, body...)
}

// EncodeNotification builds a NOTIFICATION. Oversize data is truncated so
// the message never exceeds MaxLen.
func EncodeNotification(code, subcode uint8, data []byte) []byte {
	if len(data) > MaxLen-NotificationMinLen {
		data = data[:MaxLen-NotificationMinLen]
	}
	length := NotificationMinLen + len(data)
	buf := appendHeader(make([]byte, 0, length), TypeNotification, length)
	buf = append(buf, code, subcode)
	return append(buf, data...)
}

// Notification is a decoded NOTIFICATION message.
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

// DecodeNotification parses the body of a NOTIFICATION (everything past
// the header).
func DecodeNotification(body []byte) (*Notification, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("wire: received bad notification")
	}
	return &Notification{
		Code:    body[0],
		Subcode: body[1],
		Data:    body[2:],
	}, nil
}

// ShutdownReason extracts the RFC 9003 shutdown communication from a
// Cease/AdminDown or Cease/AdminReset notification. Returns the empty
// string when absent or truncated.
func (n *Notification) ShutdownReason() string {
	if n.Code != ErrCease ||
		(n.Subcode != CeaseAdminDown && n.Subcode != CeaseAdminReset) {
		return ""
	}
	if len(n.Data) < 1 {
		return ""
	}
	rlen := int(n.Data[0])
	if rlen == 0 || len(n.Data) < 1+rlen {
		return ""
	}
	return string(n.Data[1 : 1+rlen])
}

// EncodeRouteRefresh builds a ROUTE REFRESH message (RFC 2918/7313).
func EncodeRouteRefresh(afi uint16, subtype, safi uint8) []byte {
	buf := appendHeader(make([]byte, 0, RouteRefreshLen), TypeRouteRefresh, RouteRefreshLen)
	buf = binary.BigEndian.AppendUint16(buf, afi)
	return append(buf, subtype, safi)
}

// RouteRefresh is a decoded ROUTE REFRESH message.
type RouteRefresh struct {
	AFI     uint16
	Subtype uint8
	SAFI    uint8
}

// DecodeRouteRefresh parses the body of a ROUTE REFRESH (everything past
// the header).
func DecodeRouteRefresh(body []byte) (*RouteRefresh, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("wire: route refresh body too short: %d", len(body))
	}
	return &RouteRefresh{
		AFI:     binary.BigEndian.Uint16(body),
		Subtype: body[2],
		SAFI:    body[3],
	}, nil
}
