package firewall

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Segment describes a synthetic packet of a connection.
type Segment struct {
	Key     Key
	FromWAN bool
	TTL     uint8 // 0 means 64
	Flags   uint8 // TCP flags, ignored for UDP
	Payload []byte
}

var (
	lanMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	wanMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
)

// Build serializes s into buf and returns the frame. The returned slice is
// owned by buf and valid until its next use.
func Build(buf gopacket.SerializeBuffer, s Segment) ([]byte, error) {
	k := s.Key
	ttl := s.TTL
	if ttl == 0 {
		ttl = 64
	}

	eth := layers.Ethernet{SrcMAC: lanMAC, DstMAC: wanMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ttl,
		Protocol: layers.IPProtocol(k.Protocol),
		SrcIP:    net.IP(k.InternalIP[:]),
		DstIP:    net.IP(k.ExternalIP[:]),
	}
	srcPort, dstPort := k.InternalPort, k.ExternalPort
	if s.FromWAN {
		eth.SrcMAC, eth.DstMAC = wanMAC, lanMAC
		ip.SrcIP, ip.DstIP = ip.DstIP, ip.SrcIP
		srcPort, dstPort = dstPort, srcPort
	}

	var l4 gopacket.SerializableLayer
	switch ip.Protocol {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{SrcPort: layers.TCPPort(srcPort), DstPort: layers.TCPPort(dstPort), Window: 65535}
		setTCPFlags(tcp, s.Flags)
		if err := tcp.SetNetworkLayerForChecksum(&ip); err != nil {
			return nil, err
		}
		l4 = tcp
	case layers.IPProtocolUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
		if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
			return nil, err
		}
		l4 = udp
	default:
		return nil, fmt.Errorf("firewall: cannot build protocol %d", k.Protocol)
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, l4, gopacket.Payload(s.Payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
