package firewall

import (
	"fmt"
	"time"

	"github.com/IvanBrykalov/flowstate/driver"
	"github.com/IvanBrykalov/flowstate/flowtable"
	"github.com/IvanBrykalov/flowstate/mergeable"
	"github.com/IvanBrykalov/flowstate/stm"
)

// Config configures a Firewall.
type Config struct {
	// WANDevice is the external device; every other device is LAN.
	WANDevice uint16
	// Partitions must match the flow table's partition count.
	Partitions int
	// CounterStaleness bounds how old Counters results may be.
	CounterStaleness time.Duration
}

// Counters are the firewall's packet counters.
type Counters struct {
	Forwarded uint64
	Dropped   uint64
	Opened    uint64 // new LAN flows; the driver counts those refused for lack of room
}

func mergeCounters(dst *Counters, c Counters) {
	dst.Forwarded += c.Forwarded
	dst.Dropped += c.Dropped
	dst.Opened += c.Opened
}

// Firewall implements driver.App.
type Firewall struct {
	wan      uint16
	counters *mergeable.Object[Counters]
}

var _ driver.App[Key, State, Packet] = (*Firewall)(nil)

// New constructs a Firewall.
func New(cfg Config) (*Firewall, error) {
	counters, err := mergeable.New(mergeable.Options[Counters]{
		Replicas:  cfg.Partitions,
		Staleness: cfg.CounterStaleness,
		Init:      func() Counters { return Counters{} },
		Merge:     mergeCounters,
	})
	if err != nil {
		return nil, fmt.Errorf("firewall: %w", err)
	}
	return &Firewall{wan: cfg.WANDevice, counters: counters}, nil
}

// TableOptions fills in the key hash of o.
func (f *Firewall) TableOptions(o flowtable.Options[Key, State]) flowtable.Options[Key, State] {
	o.Hash = HashKey
	return o
}

// Parse implements driver.App.
func (f *Firewall) Parse(data []byte, pkt *Packet) bool { return pkt.decode(data) }

// Dispatch implements driver.App. Both directions of a connection map to
// the same key.
func (f *Firewall) Dispatch(pkt *Packet, device uint16) (Key, bool) {
	k := Key{Protocol: uint8(pkt.ip4.Protocol)}
	src, dst := pkt.ports()
	srcIP, dstIP := pkt.ip4.SrcIP.To4(), pkt.ip4.DstIP.To4()
	if device == f.wan {
		copy(k.InternalIP[:], dstIP)
		copy(k.ExternalIP[:], srcIP)
		k.InternalPort, k.ExternalPort = dst, src
	} else {
		copy(k.InternalIP[:], srcIP)
		copy(k.ExternalIP[:], dstIP)
		k.InternalPort, k.ExternalPort = src, dst
	}
	return k, true
}

// Handle implements driver.App.
func (f *Firewall) Handle(tx *stm.Txn, w *driver.Worker[Key, State, Packet], pkt *Packet, device uint16, rec *flowtable.Record[State], _ Key) (driver.Verdict, error) {
	if pkt.TTL() <= 1 {
		return f.drop(tx, w)
	}
	side := LANSide
	if device == f.wan {
		side = WANSide
	}

	if rec == nil {
		if side == WANSide {
			return f.drop(tx, w)
		}
		return f.open(tx, w, pkt, device)
	}

	st, err := rec.Get(tx)
	if err != nil {
		return driver.Drop(), err
	}
	if flags := st.TCPFlags[side] | pkt.TCPFlags(); flags != st.TCPFlags[side] {
		s, err := rec.Update(tx)
		if err != nil {
			return driver.Drop(), err
		}
		s.TCPFlags[side] = flags
	}

	out := f.wan
	if side == WANSide {
		out = st.InternalDevice
	}
	return f.forward(tx, w, out, func(*Counters) {})
}

// open stages a new LAN flow. The packet is forwarded even if the table
// later has no room for the flow.
func (f *Firewall) open(tx *stm.Txn, w *driver.Worker[Key, State, Packet], pkt *Packet, device uint16) (driver.Verdict, error) {
	st := State{InternalDevice: device}
	st.TCPFlags[LANSide] = pkt.TCPFlags()

	if err := w.Stage(tx, st); err != nil {
		return driver.Drop(), err
	}
	return f.forward(tx, w, f.wan, func(c *Counters) { c.Opened++ })
}

func (f *Firewall) forward(tx *stm.Txn, w *driver.Worker[Key, State, Packet], dev uint16, also func(*Counters)) (driver.Verdict, error) {
	err := f.counters.Update(tx, w.Partition(), func(c *Counters) {
		c.Forwarded++
		also(c)
	})
	if err != nil {
		return driver.Drop(), err
	}
	return driver.Forward(dev), nil
}

func (f *Firewall) drop(tx *stm.Txn, w *driver.Worker[Key, State, Packet]) (driver.Verdict, error) {
	if err := f.counters.Update(tx, w.Partition(), func(c *Counters) { c.Dropped++ }); err != nil {
		return driver.Drop(), err
	}
	return driver.Drop(), nil
}

// Counters returns the merged counters as seen from partition p.
func (f *Firewall) Counters(tx *stm.Txn, p int, now int64) (Counters, error) {
	return f.counters.Read(tx, p, now)
}

// Totals returns freshly merged counters. It may be called from any
// goroutine, at the cost of reading every partition's replica.
func (f *Firewall) Totals(tx *stm.Txn) (Counters, error) {
	return f.counters.Snapshot(tx)
}
