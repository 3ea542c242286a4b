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

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func header(length uint16, msgType uint8) []byte {
	buf := bytes.Repeat([]byte{0xff}, MarkerLen)
	buf = binary.BigEndian.AppendUint16(buf, length)
	return append(buf, msgType)
}

func TestParseHeader(t *testing.T) {
	for _, tc := range []struct {
		Name        string
		Input       []byte
		Want        Header
		WantCode    uint8
		WantSubcode uint8
	}{
		{
			Name:  "keepalive",
			Input: header(19, TypeKeepalive),
			Want:  Header{Len: 19, Type: TypeKeepalive},
		},
		{
			Name:        "length 18 rejected",
			Input:       header(18, TypeKeepalive),
			WantCode:    ErrHeader,
			WantSubcode: ErrHeaderLen,
		},
		{
			Name:        "length 19 rejected for update",
			Input:       header(19, TypeUpdate),
			WantCode:    ErrHeader,
			WantSubcode: ErrHeaderLen,
		},
		{
			Name:  "length 4096 accepted",
			Input: header(4096, TypeUpdate),
			Want:  Header{Len: 4096, Type: TypeUpdate},
		},
		{
			Name:        "length 4097 rejected",
			Input:       header(4097, TypeUpdate),
			WantCode:    ErrHeader,
			WantSubcode: ErrHeaderLen,
		},
		{
			Name:        "keepalive must be exactly 19",
			Input:       header(20, TypeKeepalive),
			WantCode:    ErrHeader,
			WantSubcode: ErrHeaderLen,
		},
		{
			Name:        "open shorter than minimum",
			Input:       header(28, TypeOpen),
			WantCode:    ErrHeader,
			WantSubcode: ErrHeaderLen,
		},
		{
			Name:        "notification shorter than minimum",
			Input:       header(20, TypeNotification),
			WantCode:    ErrHeader,
			WantSubcode: ErrHeaderLen,
		},
		{
			Name:        "unknown type",
			Input:       header(19, 9),
			WantCode:    ErrHeader,
			WantSubcode: ErrHeaderType,
		},
		{
			Name: "bad marker",
			Input: func() []byte {
				b := header(19, TypeKeepalive)
				b[15] = 0x00
				return b
			}(),
			WantCode:    ErrHeader,
			WantSubcode: ErrHeaderSync,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			got, err := ParseHeader(tc.Input)
			if tc.WantCode != 0 {
				var me *MessageError
				if !errors.As(err, &me) {
					t.Fatalf("got %v, want MessageError", err)
				}
				if me.Code != tc.WantCode || me.Subcode != tc.WantSubcode {
					t.Errorf("got code %d subcode %d, want %d %d",
						me.Code, me.Subcode, tc.WantCode, tc.WantSubcode)
				}
				return
			}
			if err != nil {
				t.Fatalf("got error %q, want success", err)
			}
			if got != tc.Want {
				t.Errorf("got %+v, want %+v", got, tc.Want)
			}
		})
	}
}

func TestOpenRoundTrip(t *testing.T) {
	bigTLVs := make([]byte, 0, 300)
	for i := 0; i < 50; i++ {
		// capability 1 (MP) with 4 bytes of data
		bigTLVs = append(bigTLVs, 1, 4, 0, 1, 0, 1)
	}
	for _, tc := range []struct {
		Name     string
		ShortAS  uint16
		HoldTime uint16
		ID       uint32
		TLVs     []byte
		WantLen  int
	}{
		{
			Name:     "no capabilities",
			ShortAS:  65001,
			HoldTime: 90,
			ID:       0x0a000001,
			WantLen:  29,
		},
		{
			Name:     "regular form",
			ShortAS:  65001,
			HoldTime: 90,
			ID:       0x0a000001,
			TLVs:     []byte{1, 4, 0, 1, 0, 1, 2, 0, 65, 4, 0, 0, 0xfd, 0xe9},
			WantLen:  29 + 2 + 14,
		},
		{
			Name:     "extended form",
			ShortAS:  23456,
			HoldTime: 0,
			ID:       1,
			TLVs:     bigTLVs,
			WantLen:  29 + 6 + 300,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			buf := EncodeOpen(tc.ShortAS, tc.HoldTime, tc.ID, tc.TLVs)
			if len(buf) != tc.WantLen {
				t.Fatalf("encoded length %d, want %d", len(buf), tc.WantLen)
			}
			hdr, err := ParseHeader(buf)
			if err != nil {
				t.Fatalf("ParseHeader: %v", err)
			}
			if hdr.Type != TypeOpen || int(hdr.Len) != len(buf) {
				t.Fatalf("bad header %+v", hdr)
			}
			got, err := DecodeOpen(buf)
			if err != nil {
				t.Fatalf("DecodeOpen: %v", err)
			}
			want := &Open{
				Version:   Version,
				ShortAS:   tc.ShortAS,
				HoldTime:  tc.HoldTime,
				ID:        tc.ID,
				OptParams: tc.TLVs,
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("DecodeOpen() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeOpenErrors(t *testing.T) {
	valid := EncodeOpen(65001, 90, 1, []byte{2, 0})
	for _, tc := range []struct {
		Name        string
		Mutate      func([]byte) []byte
		WantCode    uint8
		WantSubcode uint8
	}{
		{
			Name: "bad version",
			Mutate: func(b []byte) []byte {
				b[HeaderLen] = 5
				return b
			},
			WantCode:    ErrOpen,
			WantSubcode: ErrOpenVersion,
		},
		{
			Name: "optparamlen zero requires minimum size",
			Mutate: func(b []byte) []byte {
				b[HeaderLen+9] = 0
				return b
			},
			WantCode:    ErrOpen,
			WantSubcode: 0,
		},
		{
			Name: "optparamlen overruns message",
			Mutate: func(b []byte) []byte {
				b[HeaderLen+9] = 200
				return b
			},
			WantCode:    ErrOpen,
			WantSubcode: 0,
		},
		{
			Name: "unknown optional parameter",
			Mutate: func(b []byte) []byte {
				b[HeaderLen+10] = 5 // not capabilities
				return b
			},
			WantCode:    ErrOpen,
			WantSubcode: ErrOpenOptParam,
		},
		{
			Name: "malformed extended form",
			Mutate: func(b []byte) []byte {
				// pretend extended but truncate the length field
				b[HeaderLen+9] = 255
				b[HeaderLen+10] = 255
				return b[:HeaderLen+12]
			},
			WantCode:    ErrOpen,
			WantSubcode: 0,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			buf := make([]byte, len(valid))
			copy(buf, valid)
			buf = tc.Mutate(buf)
			// keep the header length honest
			binary.BigEndian.PutUint16(buf[MarkerLen:], uint16(len(buf)))
			_, err := DecodeOpen(buf)
			var me *MessageError
			if !errors.As(err, &me) {
				t.Fatalf("got %v, want MessageError", err)
			}
			if me.Code != tc.WantCode || me.Subcode != tc.WantSubcode {
				t.Errorf("got code %d subcode %d, want %d %d",
					me.Code, me.Subcode, tc.WantCode, tc.WantSubcode)
			}
		})
	}
}

func TestNotificationRoundTrip(t *testing.T) {
	buf := EncodeNotification(ErrOpen, ErrOpenRole, []byte{1, 2, 3})
	hdr, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Type != TypeNotification || int(hdr.Len) != len(buf) {
		t.Fatalf("bad header %+v", hdr)
	}
	n, err := DecodeNotification(buf[HeaderLen:])
	if err != nil {
		t.Fatalf("DecodeNotification: %v", err)
	}
	want := &Notification{Code: ErrOpen, Subcode: ErrOpenRole, Data: []byte{1, 2, 3}}
	if diff := cmp.Diff(want, n); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestNotificationTruncation(t *testing.T) {
	data := make([]byte, MaxLen)
	buf := EncodeNotification(ErrCease, CeaseAdminReset, data)
	if len(buf) != MaxLen {
		t.Errorf("encoded length %d, want %d", len(buf), MaxLen)
	}
	if _, err := ParseHeader(buf); err != nil {
		t.Errorf("ParseHeader: %v", err)
	}
}

func TestShutdownReason(t *testing.T) {
	reason := "maintenance window"
	data := append([]byte{uint8(len(reason))}, reason...)
	for _, tc := range []struct {
		Name string
		N    Notification
		Want string
	}{
		{
			Name: "admin down with reason",
			N:    Notification{Code: ErrCease, Subcode: CeaseAdminDown, Data: data},
			Want: reason,
		},
		{
			Name: "admin reset with reason",
			N:    Notification{Code: ErrCease, Subcode: CeaseAdminReset, Data: data},
			Want: reason,
		},
		{
			Name: "wrong subcode",
			N:    Notification{Code: ErrCease, Subcode: CeaseMaxPrefix, Data: data},
		},
		{
			Name: "truncated reason",
			N:    Notification{Code: ErrCease, Subcode: CeaseAdminDown, Data: data[:4]},
		},
		{
			Name: "no data",
			N:    Notification{Code: ErrCease, Subcode: CeaseAdminDown},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			if got := tc.N.ShutdownReason(); got != tc.Want {
				t.Errorf("got %q, want %q", got, tc.Want)
			}
		})
	}
}

func TestEncodeUpdate(t *testing.T) {
	body := []byte{0, 0, 0, 0}
	buf := EncodeUpdate(body)
	if len(buf) != HeaderLen+len(body) {
		t.Fatalf("encoded length %d, want %d", len(buf), HeaderLen+len(body))
	}
	hdr, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Type != TypeUpdate {
		t.Errorf("type %d, want %d", hdr.Type, TypeUpdate)
	}
	if !bytes.Equal(buf[HeaderLen:], body) {
		t.Errorf("body mismatch")
	}
}

func TestRouteRefreshRoundTrip(t *testing.T) {
	buf := EncodeRouteRefresh(2, RRefreshBeginRR, 1)
	hdr, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Type != TypeRouteRefresh || hdr.Len != RouteRefreshLen {
		t.Fatalf("bad header %+v", hdr)
	}
	rr, err := DecodeRouteRefresh(buf[HeaderLen:])
	if err != nil {
		t.Fatalf("DecodeRouteRefresh: %v", err)
	}
	want := &RouteRefresh{AFI: 2, Subtype: RRefreshBeginRR, SAFI: 1}
	if diff := cmp.Diff(want, rr); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeKeepalive(t *testing.T) {
	buf := EncodeKeepalive()
	hdr, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Type != TypeKeepalive || hdr.Len != KeepaliveLen {
		t.Errorf("bad header %+v", hdr)
	}
}
