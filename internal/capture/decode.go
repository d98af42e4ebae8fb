// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// Header is the L3/L4 summary of a captured packet.
type Header struct {
	Proto uint8
	Src   netip.AddrPort
	Dst   netip.AddrPort
	Len   int
}

// Decode parses a raw IP packet as delivered by NFLOG (no link layer).
func Decode(payload []byte) (Header, bool) {
	if len(payload) == 0 {
		return Header{}, false
	}

	var first gopacket.LayerType
	switch payload[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return Header{}, false
	}
	packet := gopacket.NewPacket(payload, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	var h Header
	var src, dst netip.Addr
	if ipv4 := packet.Layer(layers.LayerTypeIPv4); ipv4 != nil {
		ip := ipv4.(*layers.IPv4)
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, _ = netip.AddrFromSlice(ip.DstIP)
		h.Proto = uint8(ip.Protocol)
		h.Len = int(ip.Length)
	} else if ipv6 := packet.Layer(layers.LayerTypeIPv6); ipv6 != nil {
		ip := ipv6.(*layers.IPv6)
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, _ = netip.AddrFromSlice(ip.DstIP)
		h.Proto = uint8(ip.NextHeader)
		if ip.Length > 0 {
			h.Len = int(ip.Length) + 40
		}
	} else {
		return Header{}, false
	}
	// The IP length survives a truncated copy range; prefer it.
	if h.Len == 0 {
		h.Len = len(payload)
	}

	var srcPort, dstPort uint16
	if tcp := packet.Layer(layers.LayerTypeTCP); tcp != nil {
		t := tcp.(*layers.TCP)
		srcPort, dstPort = uint16(t.SrcPort), uint16(t.DstPort)
		h.Proto = uint8(layers.IPProtocolTCP)
	} else if udp := packet.Layer(layers.LayerTypeUDP); udp != nil {
		u := udp.(*layers.UDP)
		srcPort, dstPort = uint16(u.SrcPort), uint16(u.DstPort)
		h.Proto = uint8(layers.IPProtocolUDP)
	}

	h.Src = netip.AddrPortFrom(src.Unmap(), srcPort)
	h.Dst = netip.AddrPortFrom(dst.Unmap(), dstPort)
	return h, true
}
