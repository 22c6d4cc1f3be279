package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/gopacket"

	"github.com/IvanBrykalov/flowstate/apps/firewall"
	"github.com/IvanBrykalov/flowstate/driver"
	"github.com/IvanBrykalov/flowstate/internal/util"
)

const (
	lanDevice uint16 = 0
	wanDevice uint16 = 1
)

type config struct {
	Capacity   int           `json:"capacity"`
	Partitions int           `json:"partitions"`
	Validity   time.Duration `json:"validity_ns"`
	Refresh    time.Duration `json:"refresh_ns"`
	Policy     string        `json:"policy"`
	Duration   time.Duration `json:"duration_ns"`
	Flows      int           `json:"flows_per_partition"`
	ZipfS      float64       `json:"zipf_s"`
	ZipfV      float64       `json:"zipf_v"`
	Replies    float64       `json:"replies"`
	Seed       int64         `json:"seed"`
	Burst      int           `json:"burst"`
	Batching   bool          `json:"batching"`
	Expire     bool          `json:"expire"`
	Pin        bool          `json:"pin"`
	Report     time.Duration `json:"-"`
}

// partSource generates one partition's traffic. Only the owning worker
// polls it, so it needs no locking.
type partSource struct {
	rng  *rand.Rand
	zipf *rand.Zipf
	lan  [][]byte
	wan  [][]byte
}

// source replays prebuilt frames of a fixed connection set, picking
// connections with a Zipf distribution.
type source struct {
	parts   []partSource
	replies float64
}

func newSource(cfg config) (*source, error) {
	if cfg.Flows <= 0 {
		return nil, fmt.Errorf("flows must be positive, got %d", cfg.Flows)
	}
	if cfg.ZipfS <= 1 || cfg.ZipfV < 1 {
		return nil, fmt.Errorf("zipf parameters need s > 1 and v >= 1, got s=%v v=%v", cfg.ZipfS, cfg.ZipfV)
	}
	s := &source{parts: make([]partSource, cfg.Partitions), replies: cfg.Replies}

	// Steer every connection to a partition by its hash, the way NIC RSS
	// would, so each partition only ever sees its own flows.
	buf := gopacket.NewSerializeBuffer()
	for i := 0; i < cfg.Flows*cfg.Partitions; i++ {
		k := connection(i)
		ps := &s.parts[util.PartitionIndex(firewall.HashKey(k), cfg.Partitions)]
		out, err := firewall.Build(buf, firewall.Segment{Key: k, Flags: firewall.FlagACK | firewall.FlagPSH})
		if err != nil {
			return nil, err
		}
		ps.lan = append(ps.lan, append([]byte(nil), out...))
		in, err := firewall.Build(buf, firewall.Segment{Key: k, FromWAN: true, Flags: firewall.FlagACK})
		if err != nil {
			return nil, err
		}
		ps.wan = append(ps.wan, append([]byte(nil), in...))
	}

	for p := range s.parts {
		ps := &s.parts[p]
		if len(ps.lan) == 0 {
			return nil, fmt.Errorf("partition %d received no connections; raise --flows", p)
		}
		// Each partition gets its own RNG; rand.Rand is not goroutine-safe.
		ps.rng = rand.New(rand.NewSource(cfg.Seed + int64(p)*9973))
		ps.zipf = rand.NewZipf(ps.rng, cfg.ZipfS, cfg.ZipfV, uint64(len(ps.lan)-1))
	}
	return s, nil
}

// connection returns the i-th connection of the workload.
func connection(i int) firewall.Key {
	k := firewall.Key{
		InternalIP:   [4]byte{10, byte(i >> 16), byte(i >> 8), byte(i)},
		ExternalIP:   [4]byte{198, 51, 100, byte(i % 251)},
		InternalPort: 1024 + uint16(i%50000),
		ExternalPort: 443,
		Protocol:     6,
	}
	if i%4 == 0 {
		k.ExternalPort, k.Protocol = 53, 17
	}
	return k
}

// Poll implements driver.Source.
func (s *source) Poll(p int, buf []driver.Packet) int {
	ps := &s.parts[p]
	for j := range buf {
		i := ps.zipf.Uint64()
		if ps.rng.Float64() < s.replies {
			buf[j] = driver.Packet{Data: ps.wan[i], Device: wanDevice}
		} else {
			buf[j] = driver.Packet{Data: ps.lan[i], Device: lanDevice}
		}
	}
	return len(buf)
}
