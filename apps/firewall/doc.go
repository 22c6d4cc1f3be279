// Package firewall is a stateful LAN/WAN firewall built on the flow table.
//
// Connections may only be opened from the LAN side: the first LAN packet of
// a 5-tuple creates a flow and is forwarded to the WAN device; WAN packets
// are forwarded back to the LAN device the flow was opened from, and WAN
// packets of unknown flows are dropped. TCP flags seen in each direction are
// accumulated in the flow state. Packets with TTL <= 1 are dropped.
//
// The firewall plugs into driver.Runtime as an App:
//
//	fw, _ := firewall.New(firewall.Config{WANDevice: 1, Partitions: 4})
//	tab, _ := flowtable.New(fw.TableOptions(flowtable.Options[firewall.Key, firewall.State]{
//		Capacity: 1 << 16, Partitions: 4, Validity: time.Second,
//	}))
//	rt, _ := driver.New[firewall.Key, firewall.State, firewall.Packet](d, tab, fw, driver.Options{...})
package firewall
