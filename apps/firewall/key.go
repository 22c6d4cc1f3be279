package firewall

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/IvanBrykalov/flowstate/internal/util"
)

// Key identifies a connection between a LAN and a WAN host, independent of
// the direction a packet travels in.
type Key struct {
	InternalIP   [4]byte
	ExternalIP   [4]byte
	InternalPort uint16
	ExternalPort uint16
	Protocol     uint8
}

// HashKey hashes the 13 bytes of k.
func HashKey(k Key) uint64 {
	var b [13]byte
	copy(b[0:4], k.InternalIP[:])
	copy(b[4:8], k.ExternalIP[:])
	binary.BigEndian.PutUint16(b[8:10], k.InternalPort)
	binary.BigEndian.PutUint16(b[10:12], k.ExternalPort)
	b[12] = k.Protocol
	return util.HashBytes(b[:])
}

func (k Key) String() string {
	return fmt.Sprintf("%d %s:%d <-> %s:%d", k.Protocol,
		netip.AddrFrom4(k.InternalIP), k.InternalPort,
		netip.AddrFrom4(k.ExternalIP), k.ExternalPort)
}

// Side indexes per-direction state by the side a packet arrived from.
type Side uint8

const (
	WANSide Side = iota
	LANSide
)

// State is the per-flow state.
type State struct {
	// InternalDevice is the LAN device the flow was opened from.
	InternalDevice uint16
	// TCPFlags accumulates the TCP flags seen from each side.
	TCPFlags [2]uint8
}

// TCP flag bits as they appear in the header.
const (
	FlagFIN uint8 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)
