// Package protocol implements the gateway's application-layer wire format.
//
// Every packet is exactly PacketSize bytes: a five-byte header (kind, command
// id, fragment total, fragment index, payload length) followed by a fixed
// MaxPayload-byte payload area. Logical messages larger than one payload are
// split by Fragment and joined again by Assembler. On the send path a Writer
// slices each packet into transport-sized writes; on the receive path a Framer
// accumulates notification chunks until a whole packet is available.
package protocol
