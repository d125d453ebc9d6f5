package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/alissonFabricio04/kademlia-dht/key"
)

// MaxDatagram is the receive buffer size from spec.md section 4.4 and
// 6: a message that serializes larger than this is truncated on read
// and therefore fails to decode. Each FindNode entry encodes to 36 bytes
// plus its IP text, so even K=20 IPv4 entries (about 1.1 KB with
// headers) stay well under this ceiling; Encode rejects anything larger
// and no application-level fragmentation is implemented.
const MaxDatagram = 4096

func putString(buf *bytes.Buffer, s string) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func getString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("rpc: truncated string length")
	}
	n := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]
	if len(data) < n {
		return "", nil, fmt.Errorf("rpc: truncated string body")
	}
	return string(data[:n]), data[n:], nil
}

func putEntries(buf *bytes.Buffer, entries []FoundEntry) {
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(entries)))
	buf.Write(countBuf[:])
	for _, e := range entries {
		putString(buf, e.IP)
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], e.Port)
		buf.Write(portBuf[:])
		buf.Write(e.Distance[:])
	}
}

func getEntries(data []byte) ([]FoundEntry, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("rpc: truncated entry count")
	}
	count := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	entries := make([]FoundEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		ip, rest, err := getString(data)
		if err != nil {
			return nil, nil, err
		}
		data = rest
		if len(data) < 2+key.Len {
			return nil, nil, fmt.Errorf("rpc: truncated entry fields")
		}
		port := binary.BigEndian.Uint16(data[:2])
		data = data[2:]
		var dist key.Distance
		copy(dist[:], data[:key.Len])
		data = data[key.Len:]
		entries = append(entries, FoundEntry{IP: ip, Port: port, Distance: dist})
	}
	return entries, data, nil
}

// Encode serializes m into its wire form. Field order follows spec.md
// section 6: token, src, dst, kind tag, then the variant tag and
// payload.
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(m.Token[:])
	putString(&buf, m.Src)
	putString(&buf, m.Dst)
	buf.WriteByte(byte(m.Kind))

	switch m.Kind {
	case KindRequest:
		buf.WriteByte(byte(m.Request.Kind))
		switch m.Request.Kind {
		case KindPing:
		case KindStore:
			putString(&buf, m.Request.StoreKey)
			putString(&buf, m.Request.StoreVal)
		case KindFindNode:
			buf.Write(m.Request.Target[:])
		case KindFindValue:
			putString(&buf, m.Request.FindKey)
		default:
			return nil, fmt.Errorf("rpc: unknown request kind %d", m.Request.Kind)
		}
	case KindResponse:
		buf.WriteByte(byte(m.Response.Kind))
		switch m.Response.Kind {
		case RespPing:
		case RespFindNode:
			putEntries(&buf, m.Response.Nodes)
		case RespFindValue:
			if m.Response.HasValue {
				buf.WriteByte(0)
				putString(&buf, m.Response.Value)
			} else {
				buf.WriteByte(1)
				putEntries(&buf, m.Response.Nodes)
			}
		default:
			return nil, fmt.Errorf("rpc: unknown response kind %d", m.Response.Kind)
		}
	default:
		return nil, fmt.Errorf("rpc: unknown message kind %d", m.Kind)
	}

	if buf.Len() > MaxDatagram {
		return nil, fmt.Errorf("rpc: encoded message is %d bytes, exceeds %d byte datagram ceiling", buf.Len(), MaxDatagram)
	}
	return buf.Bytes(), nil
}

// Decode parses a datagram payload into a Message.
func Decode(data []byte) (Message, error) {
	var m Message
	if len(data) < key.Len {
		return m, fmt.Errorf("rpc: message too short for token")
	}
	copy(m.Token[:], data[:key.Len])
	data = data[key.Len:]

	var err error
	m.Src, data, err = getString(data)
	if err != nil {
		return m, err
	}
	m.Dst, data, err = getString(data)
	if err != nil {
		return m, err
	}

	if len(data) < 1 {
		return m, fmt.Errorf("rpc: missing kind tag")
	}
	m.Kind = Kind(data[0])
	data = data[1:]

	if len(data) < 1 {
		return m, fmt.Errorf("rpc: missing variant tag")
	}
	variant := data[0]
	data = data[1:]

	switch m.Kind {
	case KindRequest:
		m.Request.Kind = RequestKind(variant)
		switch m.Request.Kind {
		case KindPing:
		case KindStore:
			m.Request.StoreKey, data, err = getString(data)
			if err != nil {
				return m, err
			}
			m.Request.StoreVal, data, err = getString(data)
			if err != nil {
				return m, err
			}
		case KindFindNode:
			if len(data) < key.Len {
				return m, fmt.Errorf("rpc: truncated find_node target")
			}
			copy(m.Request.Target[:], data[:key.Len])
		case KindFindValue:
			m.Request.FindKey, data, err = getString(data)
			if err != nil {
				return m, err
			}
		default:
			return m, fmt.Errorf("rpc: unknown request variant %d", variant)
		}
	case KindResponse:
		m.Response.Kind = ResponseKind(variant)
		switch m.Response.Kind {
		case RespPing:
		case RespFindNode:
			m.Response.Nodes, data, err = getEntries(data)
			if err != nil {
				return m, err
			}
		case RespFindValue:
			if len(data) < 1 {
				return m, fmt.Errorf("rpc: missing find_value tag")
			}
			tag := data[0]
			data = data[1:]
			switch tag {
			case 0:
				m.Response.HasValue = true
				m.Response.Value, data, err = getString(data)
				if err != nil {
					return m, err
				}
			case 1:
				m.Response.Nodes, data, err = getEntries(data)
				if err != nil {
					return m, err
				}
			default:
				return m, fmt.Errorf("rpc: unknown find_value tag %d", tag)
			}
		default:
			return m, fmt.Errorf("rpc: unknown response variant %d", variant)
		}
	default:
		return m, fmt.Errorf("rpc: unknown message kind %d", m.Kind)
	}

	return m, nil
}
