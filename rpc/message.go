// Package rpc implements the wire-level RPC transport: message framing,
// a UDP datagram socket, and request/response correlation by token.
//
// One Message travels per datagram (spec.md section 6). The wire format
// is a small self-describing binary codec — fixed 32-byte token,
// length-prefixed UTF-8 address strings, byte tags for request/response
// kind and variant — generalizing the teacher's flat
// [type byte][data] transport.Packet framing to carry correlated,
// typed request/response pairs.
package rpc

import (
	"github.com/alissonFabricio04/kademlia-dht/key"
)

// RequestKind identifies which of the four Kademlia RPCs a Request
// carries.
type RequestKind byte

const (
	KindPing RequestKind = iota
	KindStore
	KindFindNode
	KindFindValue
)

// Request is the tagged union of the four request payloads. Exactly one
// of the fields relevant to Kind is populated; the others are zero.
type Request struct {
	Kind RequestKind

	// Store
	StoreKey string
	StoreVal string

	// FindNode
	Target key.Key

	// FindValue
	FindKey string
}

// PingRequest builds a Ping request payload.
func PingRequest() Request { return Request{Kind: KindPing} }

// StoreRequest builds a Store request payload.
func StoreRequest(k, v string) Request {
	return Request{Kind: KindStore, StoreKey: k, StoreVal: v}
}

// FindNodeRequest builds a FindNode request payload.
func FindNodeRequest(target key.Key) Request {
	return Request{Kind: KindFindNode, Target: target}
}

// FindValueRequest builds a FindValue request payload.
func FindValueRequest(k string) Request {
	return Request{Kind: KindFindValue, FindKey: k}
}

// ResponseKind identifies which response shape a Response carries. It
// mirrors the corresponding RequestKind (Store responses are Ping
// responses: a bare acknowledgement).
type ResponseKind byte

const (
	RespPing ResponseKind = iota
	RespFindNode
	RespFindValue
)

// FoundEntry is one (Node, Distance) pair as carried in a FindNode or
// FindValue-as-Nodes response.
type FoundEntry struct {
	IP       string
	Port     uint16
	Distance key.Distance
}

// Response is the tagged union of the three response payload shapes.
type Response struct {
	Kind ResponseKind

	// FindNode, and FindValue when no value was found
	Nodes []FoundEntry

	// FindValue when a value was found
	HasValue bool
	Value    string
}

// PingResponse builds the bare Pong acknowledgement, also used to
// acknowledge a Store.
func PingResponse() Response { return Response{Kind: RespPing} }

// FindNodeResponse builds a FindNode response carrying up to K entries,
// already sorted ascending by distance.
func FindNodeResponse(entries []FoundEntry) Response {
	return Response{Kind: RespFindNode, Nodes: entries}
}

// FindValueResponse builds a FindValue response carrying the value
// itself.
func FindValueResponse(value string) Response {
	return Response{Kind: RespFindValue, HasValue: true, Value: value}
}

// FindValueNodesResponse builds a FindValue response that fell back to
// the closest known nodes because the value was absent locally.
func FindValueNodesResponse(entries []FoundEntry) Response {
	return Response{Kind: RespFindValue, HasValue: false, Nodes: entries}
}

// Kind reports whether the payload is a Request or a Response.
type Kind byte

const (
	KindRequest Kind = iota
	KindResponse
)

// Message is the wire entity described in spec.md section 3: a
// correlation token, source/destination address text, and a tagged
// Request-or-Response payload.
type Message struct {
	Token key.Key
	Src   string
	Dst   string

	Kind     Kind
	Request  Request
	Response Response
}
