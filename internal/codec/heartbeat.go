// Package codec encodes the messages agents exchange over the gossip
// transport using the protobuf wire format.
//
// Each frame starts with a single message-type byte followed by the
// protobuf-encoded body. Unknown fields are skipped on decode so newer
// agents can add fields without breaking older ones.
package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/surething-project/SmartSpace-sub004/internal/model"
)

// MessageType identifies the body that follows the type byte
type MessageType byte

const (
	MessageTypeAlivePing MessageType = 1
)

// Field numbers of an alive ping
const (
	fieldAgentID        protowire.Number = 1
	fieldNetworkSize    protowire.Number = 2
	fieldCAPublicKey    protowire.Number = 3
	fieldEndpoints      protowire.Number = 4
	fieldGroupID        protowire.Number = 5
	fieldRepositoryHash protowire.Number = 6
)

// EncodeAlivePing frames msg as an alive ping
func EncodeAlivePing(msg *model.HeartbeatMessage) []byte {
	b := make([]byte, 0, 64+len(msg.CAPublicKey)+len(msg.RepositoryHash))
	b = append(b, byte(MessageTypeAlivePing))

	b = appendString(b, fieldAgentID, msg.AgentID)
	if msg.NetworkSize != 0 {
		b = protowire.AppendTag(b, fieldNetworkSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(msg.NetworkSize))
	}
	b = appendString(b, fieldCAPublicKey, msg.CAPublicKey)
	for _, ep := range msg.Endpoints {
		b = protowire.AppendTag(b, fieldEndpoints, protowire.BytesType)
		b = protowire.AppendString(b, ep)
	}
	b = appendString(b, fieldGroupID, msg.GroupID)
	b = appendString(b, fieldRepositoryHash, msg.RepositoryHash)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// PeekType returns the message type of a frame
func PeekType(frame []byte) (MessageType, error) {
	if len(frame) == 0 {
		return 0, fmt.Errorf("empty frame")
	}
	return MessageType(frame[0]), nil
}

// DecodeAlivePing parses a frame produced by EncodeAlivePing
func DecodeAlivePing(frame []byte) (*model.HeartbeatMessage, error) {
	mt, err := PeekType(frame)
	if err != nil {
		return nil, err
	}
	if mt != MessageTypeAlivePing {
		return nil, fmt.Errorf("unexpected message type %d", mt)
	}

	msg := &model.HeartbeatMessage{}
	b := frame[1:]
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldNetworkSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid network_size: %w", protowire.ParseError(n))
			}
			if v > math.MaxInt32 {
				return nil, fmt.Errorf("network_size %d out of range", v)
			}
			msg.NetworkSize = int(v)
			b = b[n:]

		case typ == protowire.BytesType && num >= fieldAgentID && num <= fieldRepositoryHash:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldAgentID:
				msg.AgentID = v
			case fieldCAPublicKey:
				msg.CAPublicKey = v
			case fieldEndpoints:
				msg.Endpoints = append(msg.Endpoints, v)
			case fieldGroupID:
				msg.GroupID = v
			case fieldRepositoryHash:
				msg.RepositoryHash = v
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if msg.AgentID == "" {
		return nil, fmt.Errorf("alive ping without agent id")
	}
	return msg, nil
}
