package firewall

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Packet holds the decoded headers of one frame. Its decoder points into the
// Packet itself, so a Packet must not be copied after its first Parse.
type Packet struct {
	eth layers.Ethernet
	ip4 layers.IPv4
	tcp layers.TCP
	udp layers.UDP

	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	isTCP bool
}

// decode parses data as Ethernet/IPv4/{TCP,UDP}. Anything else is rejected.
func (p *Packet) decode(data []byte) bool {
	if p.parser == nil {
		p.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &p.eth, &p.ip4, &p.tcp, &p.udp)
		p.parser.IgnoreUnsupported = true
		p.decoded = make([]gopacket.LayerType, 0, 4)
	}
	if err := p.parser.DecodeLayers(data, &p.decoded); err != nil {
		return false
	}
	var ip, l4 bool
	p.isTCP = false
	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			ip = true
		case layers.LayerTypeTCP:
			l4, p.isTCP = true, true
		case layers.LayerTypeUDP:
			l4 = true
		}
	}
	return ip && l4
}

func (p *Packet) ports() (src, dst uint16) {
	if p.isTCP {
		return uint16(p.tcp.SrcPort), uint16(p.tcp.DstPort)
	}
	return uint16(p.udp.SrcPort), uint16(p.udp.DstPort)
}

// TTL returns the IPv4 time to live.
func (p *Packet) TTL() uint8 { return p.ip4.TTL }

// TCPFlags returns the packet's TCP flags, 0 for UDP.
func (p *Packet) TCPFlags() uint8 {
	if !p.isTCP {
		return 0
	}
	return tcpFlags(&p.tcp)
}

func tcpFlags(t *layers.TCP) uint8 {
	var f uint8
	for _, b := range []struct {
		set  bool
		flag uint8
	}{
		{t.FIN, FlagFIN}, {t.SYN, FlagSYN}, {t.RST, FlagRST}, {t.PSH, FlagPSH},
		{t.ACK, FlagACK}, {t.URG, FlagURG}, {t.ECE, FlagECE}, {t.CWR, FlagCWR},
	} {
		if b.set {
			f |= b.flag
		}
	}
	return f
}

func setTCPFlags(t *layers.TCP, f uint8) {
	t.FIN = f&FlagFIN != 0
	t.SYN = f&FlagSYN != 0
	t.RST = f&FlagRST != 0
	t.PSH = f&FlagPSH != 0
	t.ACK = f&FlagACK != 0
	t.URG = f&FlagURG != 0
	t.ECE = f&FlagECE != 0
	t.CWR = f&FlagCWR != 0
}
