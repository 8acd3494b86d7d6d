package protocol

import (
	"fmt"
	"io"
	"strconv"
)

// TestPacketHandler returns a handler that prints plain-text test packets
// (protocol 0) to w.
func TestPacketHandler(w io.Writer) HandlerFunc {
	return func(packet *IPPacket) error {
		_, err := fmt.Fprintln(w, "Received test packet: Src: "+packet.Header.Src.String()+
			", Dst: "+packet.Header.Dst.String()+
			", TTL: "+strconv.Itoa(packet.Header.TTL)+
			", Data: "+string(packet.Payload))
		return err
	}
}
