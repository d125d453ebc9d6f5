// Package dht implements the Kademlia routing table: the node descriptor,
// the k-bucket, and the 256-bucket table with its eviction policy.
//
// The table never talks to the network directly. Deciding whether a
// full bucket's least-recently-seen peer is still alive requires a PING,
// which is a protocol-engine concern; the table publishes a PingRequest
// on the channel returned by RoutingTable.PingRequests and waits for the
// engine's verdict instead of importing the protocol package, keeping
// the dependency direction protocol -> dht static (see the
// routing/protocol back-reference design note).
package dht

import (
	"fmt"
	"net"
	"strconv"

	"github.com/alissonFabricio04/kademlia-dht/key"
)

// Node is the (address, id) pair identifying a peer. The id is a pure
// function of the address text, so two descriptors at the same address
// always carry the same id.
type Node struct {
	IP   string
	Port uint16
	id   key.Key
}

// NewNode builds a Node descriptor for ip:port, deriving its id from the
// hash of the address text.
func NewNode(ip string, port uint16) Node {
	n := Node{IP: ip, Port: port}
	n.id = key.Hash(n.Address())
	return n
}

// Address renders the node's "ip:port" text form.
func (n Node) Address() string {
	return fmt.Sprintf("%s:%d", n.IP, n.Port)
}

// ID returns the node's identifier.
func (n Node) ID() key.Key {
	return n.id
}

// Equal reports whether two descriptors name the same peer, i.e. have
// equal ids.
func (n Node) Equal(other Node) bool {
	return n.id.Equal(other.id)
}

// String renders the node for logging.
func (n Node) String() string {
	return fmt.Sprintf("%s(%s)", n.Address(), n.id.String()[:8])
}

// ParseNode parses an "ip:port" address string into a Node descriptor.
func ParseNode(addr string) (Node, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Node{}, fmt.Errorf("dht: invalid address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Node{}, fmt.Errorf("dht: invalid port in %q: %w", addr, err)
	}
	return NewNode(host, uint16(port)), nil
}
