package driver

import (
	"github.com/IvanBrykalov/flowstate/flowtable"
	"github.com/IvanBrykalov/flowstate/stm"
)

// Action is what happens to a packet after processing.
type Action uint8

const (
	ActDrop Action = iota
	ActForward
	ActFlood
)

func (a Action) String() string {
	switch a {
	case ActDrop:
		return "drop"
	case ActForward:
		return "forward"
	case ActFlood:
		return "flood"
	default:
		return "unknown"
	}
}

// Verdict is a handler's decision for one packet.
type Verdict struct {
	Action Action
	Device uint16 // output device for ActForward
}

// Drop discards the packet.
func Drop() Verdict { return Verdict{Action: ActDrop} }

// Forward sends the packet out of dev.
func Forward(dev uint16) Verdict { return Verdict{Action: ActForward, Device: dev} }

// Flood sends the packet out of every device except the input one.
func Flood() Verdict { return Verdict{Action: ActFlood} }

// Packet is one received frame.
type Packet struct {
	Data   []byte
	Device uint16 // input device
	Time   int64  // receive timestamp, UnixNano; 0 means "use the worker clock"
}

// Source delivers packets to workers. Poll fills at most len(buf) packets
// for partition p and returns how many it wrote. It is called only by the
// worker owning p and must not block for long.
type Source interface {
	Poll(p int, buf []Packet) int
}

// Sink receives a processed burst. verdicts[i] belongs to pkts[i]. Both
// slices are reused after Emit returns.
type Sink interface {
	Emit(p int, pkts []Packet, verdicts []Verdict)
}

// App is the network function. Parse and Dispatch are stateless and run
// outside any transaction; Handle runs inside one and may be re-run from
// scratch after a conflict, so it must not have side effects other than
// through tx.
type App[K comparable, V any, P any] interface {
	// Parse decodes data into pkt. Packets that fail to parse are dropped.
	Parse(data []byte, pkt *P) bool

	// Dispatch returns the packet's flow key and whether it belongs to a
	// stateful flow. Stateless packets skip the flow table.
	Dispatch(pkt *P, device uint16) (key K, stateful bool)

	// Handle decides the packet's fate. rec is the flow's record, or nil for
	// stateless packets and packets of unknown flows; for the latter Handle
	// may call w.Stage to create the flow.
	Handle(tx *stm.Txn, w *Worker[K, V, P], pkt *P, device uint16, rec *flowtable.Record[V], key K) (Verdict, error)
}
