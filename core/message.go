package core

// message.go – the envelope, authority kinds, priority classes and wire
// framing described in §4.6.
//
// The length-prefixed frame with a {version, priority, authority_kind,
// payload_len} header follows the same "small fixed header in front of a
// self-describing body" shape the teacher uses for its block/sub-block
// headers (core/common_structs.go, since deleted — see DESIGN.md); the body
// itself is JSON, matching every other on-the-wire struct in the pack
// (pmWireEntry, config.go's mapstructure/json pair) rather than introducing
// a new serialization library the corpus never reaches for.

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// WireVersion is bumped whenever the envelope's wire shape changes
// incompatibly. Peers advertising a different version are disconnected (§6).
const WireVersion uint8 = 1

// Priority classes, highest first under resource pressure (§4.6).
type Priority uint8

const (
	PriorityInfrastructure Priority = iota // AE, membership, DKG — never dropped
	PriorityReplication                    // node-to-node data replication
	PriorityService                        // client service — may be load-shed
)

// AuthorityKind tags which of the four authority shapes signs a message (§3).
type AuthorityKind uint8

const (
	AuthorityNodeSig AuthorityKind = iota
	AuthorityBlsShare
	AuthoritySectionSig
	AuthorityClientSig
)

// Authority carries exactly the fields relevant to its Kind; the others are
// left zero. A tagged struct (rather than an interface) keeps Authority
// trivially JSON-serializable across the wire.
type Authority struct {
	Kind AuthorityKind

	// AuthorityNodeSig
	NodeSig    []byte `json:"node_sig,omitempty"`
	NodePubKey []byte `json:"node_pub_key,omitempty"`

	// AuthorityBlsShare
	Share       []byte `json:"share,omitempty"`
	ShareIndex  int    `json:"share_index,omitempty"`
	DkgSession  string `json:"dkg_session,omitempty"`

	// AuthoritySectionSig
	SectionSig []byte   `json:"section_sig,omitempty"`
	SectionKey ChainKey `json:"section_key,omitempty"`

	// AuthorityClientSig
	ClientSig    []byte `json:"client_sig,omitempty"`
	ClientPubKey []byte `json:"client_pub_key,omitempty"`
}

// Destination names the target address and the section key the sender
// believes is current for it — the field Anti-Entropy compares (§4.5).
type Destination struct {
	Name       XorName  `json:"name"`
	SectionKey ChainKey `json:"section_key"`
}

// Envelope is the message-level unit exchanged between nodes and clients (§3).
type Envelope struct {
	MsgID     uuid.UUID `json:"msg_id"`
	Authority Authority `json:"authority"`
	Dst       Destination `json:"dst"`
	Priority  Priority  `json:"priority"`
	Kind      string    `json:"kind"`    // e.g. "JoinRequest", "AeRetry", "StoreChunk"
	Payload   []byte    `json:"payload"` // kind-specific JSON body
}

// NewEnvelope allocates an envelope with a fresh msg_id, as required whenever
// a sender re-issues a message after AE invalidates the previous id (§4.5).
func NewEnvelope(kind string, dst Destination, authority Authority, priority Priority, payload []byte) Envelope {
	return Envelope{
		MsgID:     uuid.New(),
		Authority: authority,
		Dst:       dst,
		Priority:  priority,
		Kind:      kind,
		Payload:   payload,
	}
}

// frameHeader is the fixed 7-byte header in front of every wire frame (§6).
type frameHeader struct {
	Version       uint8
	Priority      uint8
	AuthorityKind uint8
	PayloadLen    uint32
}

const frameHeaderLen = 7

// EncodeFrame serializes env into a length-prefixed wire frame.
func EncodeFrame(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("core: encode envelope: %w", err)
	}
	hdr := frameHeader{
		Version:       WireVersion,
		Priority:      uint8(env.Priority),
		AuthorityKind: uint8(env.Authority.Kind),
		PayloadLen:    uint32(len(body)),
	}
	buf := make([]byte, frameHeaderLen+len(body))
	buf[0] = hdr.Version
	buf[1] = hdr.Priority
	buf[2] = hdr.AuthorityKind
	binary.BigEndian.PutUint32(buf[3:7], hdr.PayloadLen)
	copy(buf[frameHeaderLen:], body)
	return buf, nil
}

// DecodeFrame parses a wire frame produced by EncodeFrame. A version
// mismatch is reported as ErrUnknownVersion so the caller terminates the
// connection per the protocol-error policy in §7.
func DecodeFrame(raw []byte) (Envelope, error) {
	if len(raw) < frameHeaderLen {
		return Envelope{}, fmt.Errorf("core: %w: frame shorter than header", ErrMalformedFrame)
	}
	hdr := frameHeader{
		Version:       raw[0],
		Priority:      raw[1],
		AuthorityKind: raw[2],
		PayloadLen:    binary.BigEndian.Uint32(raw[3:7]),
	}
	if hdr.Version != WireVersion {
		return Envelope{}, fmt.Errorf("core: %w: got %d want %d", ErrUnknownVersion, hdr.Version, WireVersion)
	}
	body := raw[frameHeaderLen:]
	if uint32(len(body)) != hdr.PayloadLen {
		return Envelope{}, fmt.Errorf("core: %w: payload length mismatch", ErrMalformedFrame)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("core: %w: %v", ErrMalformedFrame, err)
	}
	return env, nil
}

// readFrame reads exactly one length-prefixed wire frame off r — the header
// first, then PayloadLen bytes of body — so a single stream can carry a
// sequence of envelopes without either side needing to know a message's
// length ahead of time (§9 "stream-capable datagram channel").
func readFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("core: read frame header: %w", err)
	}
	payloadLen := binary.BigEndian.Uint32(hdr[3:7])
	frame := make([]byte, frameHeaderLen+int(payloadLen))
	copy(frame, hdr)
	if _, err := io.ReadFull(r, frame[frameHeaderLen:]); err != nil {
		return nil, fmt.Errorf("core: read frame body: %w", err)
	}
	return frame, nil
}

// ContentHash returns the hash BLS shares sign over for this envelope's kind
// and payload — the key the aggregator groups shares by (§4.6).
func ContentHash(kind string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(kind)
	buf.Write(payload)
	sum := HashXorName(buf.Bytes())
	return sum[:]
}
