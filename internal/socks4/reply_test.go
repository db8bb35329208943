package socks4

import (
	"bytes"
	"testing"

	"socks4-proxy/internal/domain"
)

func TestReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status byte
		port   uint16
		addr   [4]byte
		want   []byte
	}{
		{name: "granted zero", status: domain.ReplyGranted, want: []byte{0x00, 0x5A, 0, 0, 0, 0, 0, 0}},
		{name: "rejected zero", status: domain.ReplyRejected, want: []byte{0x00, 0x5B, 0, 0, 0, 0, 0, 0}},
		{
			name:   "network byte order",
			status: domain.ReplyGranted,
			port:   0x1234,
			addr:   [4]byte{10, 20, 30, 40},
			want:   []byte{0x00, 0x5A, 0x12, 0x34, 10, 20, 30, 40},
		},
	}

	for _, tt := range tests {
		got := Reply(tt.status, tt.port, tt.addr)
		if !bytes.Equal(got[:], tt.want) {
			t.Errorf("%s: got % x want % x", tt.name, got, tt.want)
		}
	}
}
