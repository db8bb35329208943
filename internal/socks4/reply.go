package socks4

import "encoding/binary"

// ReplyLength is the size of every SOCKS4 reply.
const ReplyLength = 8

// Reply encodes a SOCKS4 reply: a null byte, the status code, the port in
// network byte order and the IPv4 address.
func Reply(status byte, port uint16, addr [4]byte) [ReplyLength]byte {
	var b [ReplyLength]byte
	b[1] = status
	binary.BigEndian.PutUint16(b[2:4], port)
	copy(b[4:], addr[:])
	return b
}
