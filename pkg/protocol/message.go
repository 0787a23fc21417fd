package protocol

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

type MessageType uint8

const (
	Ping MessageType = iota
	GetPeers
	Peers
)

// MaxPeers caps the number of addresses carried by a single Peers message.
const MaxPeers = 500

const idSize = 16

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrTooManyPeers       = errors.New("too many peers in message")
)

func (t MessageType) String() string {
	switch t {
	case Ping:
		return "ping"
	case GetPeers:
		return "get_peers"
	case Peers:
		return "peers"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

type Message struct {
	ID            []byte
	Type          MessageType
	Sender        ed25519.PublicKey
	NodeType      NodeType
	Version       uint32
	State         State
	Height        uint32
	ListeningPort uint16
	Peers         []string
	Timestamp     time.Time
	Signature     []byte
}

func NewMessage(msgType MessageType, sender ed25519.PublicKey) *Message {
	id := make([]byte, idSize)
	rand.Read(id)

	return &Message{
		ID:        id,
		Type:      msgType,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
	}
}

// NewPing builds a Ping describing the sender's own state.
func NewPing(sender ed25519.PublicKey, nodeType NodeType, version uint32, state State, height uint32, port uint16) *Message {
	msg := NewMessage(Ping, sender)
	msg.NodeType = nodeType
	msg.Version = version
	msg.State = state
	msg.Height = height
	msg.ListeningPort = port
	return msg
}

// NewPeers builds a Peers message carrying the given listening addresses.
func NewPeers(sender ed25519.PublicKey, peers []string) *Message {
	msg := NewMessage(Peers, sender)
	msg.Peers = peers
	return msg
}

func (m *Message) Sign(privateKey ed25519.PrivateKey) error {
	digest, err := m.digest()
	if err != nil {
		return err
	}
	m.Signature = ed25519.Sign(privateKey, digest)
	return nil
}

func (m *Message) Verify() bool {
	if len(m.Sender) != ed25519.PublicKeySize || len(m.Signature) != ed25519.SignatureSize {
		return false
	}
	digest, err := m.digest()
	if err != nil {
		return false
	}
	return ed25519.Verify(m.Sender, digest, m.Signature)
}

// digest is the serialized message without its signature.
func (m *Message) digest() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.writeBody(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Message) writeBody(buf *bytes.Buffer) error {
	if m.Type > Peers {
		return fmt.Errorf("%w: %d", ErrUnknownMessageType, m.Type)
	}
	if len(m.Peers) > MaxPeers {
		return fmt.Errorf("%w: %d", ErrTooManyPeers, len(m.Peers))
	}

	id := make([]byte, idSize)
	copy(id, m.ID)
	buf.Write(id)
	buf.WriteByte(byte(m.Type))

	sender := make([]byte, ed25519.PublicKeySize)
	copy(sender, m.Sender)
	buf.Write(sender)

	buf.WriteByte(byte(m.NodeType))
	binary.Write(buf, binary.BigEndian, m.Version)
	buf.WriteByte(byte(m.State))
	binary.Write(buf, binary.BigEndian, m.Height)
	binary.Write(buf, binary.BigEndian, m.ListeningPort)

	binary.Write(buf, binary.BigEndian, uint16(len(m.Peers)))
	for _, p := range m.Peers {
		if len(p) > 0xffff {
			return fmt.Errorf("peer address too long: %d bytes", len(p))
		}
		binary.Write(buf, binary.BigEndian, uint16(len(p)))
		buf.WriteString(p)
	}

	binary.Write(buf, binary.BigEndian, m.Timestamp.Unix())
	return nil
}

func (m *Message) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.writeBody(buf); err != nil {
		return nil, fmt.Errorf("failed to encode %v message: %w", m.Type, err)
	}
	if len(m.Signature) > 0 {
		buf.Write(m.Signature)
	}
	return buf.Bytes(), nil
}

func DeserializeMessage(data []byte) (*Message, error) {
	buf := bytes.NewReader(data)
	msg := &Message{}

	msg.ID = make([]byte, idSize)
	if _, err := io.ReadFull(buf, msg.ID); err != nil {
		return nil, fmt.Errorf("failed to read ID: %w", err)
	}

	if err := binary.Read(buf, binary.BigEndian, &msg.Type); err != nil {
		return nil, fmt.Errorf("failed to read message type: %w", err)
	}
	if msg.Type > Peers {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, msg.Type)
	}

	msg.Sender = make([]byte, ed25519.PublicKeySize)
	if _, err := io.ReadFull(buf, msg.Sender); err != nil {
		return nil, fmt.Errorf("failed to read sender: %w", err)
	}

	if err := binary.Read(buf, binary.BigEndian, &msg.NodeType); err != nil {
		return nil, fmt.Errorf("failed to read node type: %w", err)
	}
	if err := binary.Read(buf, binary.BigEndian, &msg.Version); err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if err := binary.Read(buf, binary.BigEndian, &msg.State); err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	if err := binary.Read(buf, binary.BigEndian, &msg.Height); err != nil {
		return nil, fmt.Errorf("failed to read height: %w", err)
	}
	if err := binary.Read(buf, binary.BigEndian, &msg.ListeningPort); err != nil {
		return nil, fmt.Errorf("failed to read listening port: %w", err)
	}

	var peerCount uint16
	if err := binary.Read(buf, binary.BigEndian, &peerCount); err != nil {
		return nil, fmt.Errorf("failed to read peer count: %w", err)
	}
	if peerCount > MaxPeers {
		return nil, fmt.Errorf("%w: %d", ErrTooManyPeers, peerCount)
	}

	for i := uint16(0); i < peerCount; i++ {
		var addrLen uint16
		if err := binary.Read(buf, binary.BigEndian, &addrLen); err != nil {
			return nil, fmt.Errorf("failed to read address length: %w", err)
		}
		addr := make([]byte, addrLen)
		if _, err := io.ReadFull(buf, addr); err != nil {
			return nil, fmt.Errorf("failed to read address: %w", err)
		}
		msg.Peers = append(msg.Peers, string(addr))
	}

	var timestamp int64
	if err := binary.Read(buf, binary.BigEndian, &timestamp); err != nil {
		return nil, fmt.Errorf("failed to read timestamp: %w", err)
	}
	msg.Timestamp = time.Unix(timestamp, 0).UTC()

	if buf.Len() == ed25519.SignatureSize {
		msg.Signature = make([]byte, ed25519.SignatureSize)
		if _, err := io.ReadFull(buf, msg.Signature); err != nil {
			return nil, fmt.Errorf("failed to read signature: %w", err)
		}
	}

	return msg, nil
}
