package core

// node_test.go exercises handleMsg's Anti-Entropy branches and
// handleSendMsg's per-recipient delivery loop directly against a
// partially-built Node, the same "construct just enough of the struct to
// drive the method under test" style anti_entropy_test.go's buildKnowledge
// helper already uses for ClassifyDestination.

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
)

func testNode(t *testing.T, nk *NetworkKnowledge) *Node {
	t.Helper()
	return &Node{
		cfg:       NodeConfig{OurName: XorName{0xAA}},
		Knowledge: nk,
		PeerBook:  NewPeerBook(),
		log:       logrus.NewEntry(logrus.New()),
	}
}

func TestNodeHandleMsgIdenticalIsANoOp(t *testing.T) {
	genesisKey, _, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	sap := SAP{Prefix: RootPrefix(), SectionKey: genesisKey}
	chain := NewSectionChain(genesisKey)
	always := func(candidate, incumbent ChainKey) bool { return true }
	pm := NewPrefixMap()
	pm.Insert(sap, always)
	nk := buildKnowledge(t, sap, chain, pm)
	n := testNode(t, nk)

	env := NewEnvelope("Ping", Destination{Name: XorName{0x01}, SectionKey: genesisKey}, Authority{}, PriorityService, nil)
	frame, err := EncodeFrame(env)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	follow, err := n.handleMsg(context.Background(), Cmd{Wire: frame, Peer: ElderInfo{Name: XorName{0x02}}})
	if err != nil {
		t.Fatalf("handleMsg: %v", err)
	}
	if follow != nil {
		t.Fatalf("expected no follow-up cmds for AeIdentical, got %v", follow)
	}
}

func TestNodeHandleMsgRetryRepliesWithAeRetry(t *testing.T) {
	genesisKey, genesisSk, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	childKey, _, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	sig := SignGenesis(genesisSk, childKey.Bytes)

	chain := NewSectionChain(genesisKey)
	if err := chain.Insert(childKey, genesisKey, sig); err != nil {
		t.Fatalf("insert child: %v", err)
	}
	ourSAP := SAP{Prefix: RootPrefix(), SectionKey: childKey}
	always := func(candidate, incumbent ChainKey) bool { return true }
	pm := NewPrefixMap()
	pm.Insert(ourSAP, always)
	nk := buildKnowledge(t, ourSAP, chain, pm)
	n := testNode(t, nk)

	sender := ElderInfo{Name: XorName{0x03}}
	env := NewEnvelope("Ping", Destination{Name: XorName{0x01}, SectionKey: genesisKey}, Authority{}, PriorityService, nil)
	frame, err := EncodeFrame(env)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	follow, err := n.handleMsg(context.Background(), Cmd{Wire: frame, Peer: sender})
	if err != nil {
		t.Fatalf("handleMsg: %v", err)
	}
	if len(follow) != 1 {
		t.Fatalf("expected exactly one follow-up cmd, got %d", len(follow))
	}
	cmd := follow[0]
	if cmd.Kind != CmdSendMsg {
		t.Fatalf("expected CmdSendMsg, got %v", cmd.Kind)
	}
	if len(cmd.Recipients) != 1 || cmd.Recipients[0].Name != sender.Name {
		t.Fatalf("expected reply addressed back to the sender, got %v", cmd.Recipients)
	}
	if cmd.Env.Kind != "AeRetry" {
		t.Fatalf("expected an AeRetry envelope, got kind %q", cmd.Env.Kind)
	}
}

func TestNodeHandleSendMsgSkipsUnboundRecipients(t *testing.T) {
	n := testNode(t, nil)

	cmd := Cmd{
		Recipients: []ElderInfo{{Name: XorName{0x09}}},
		Env:        NewEnvelope("Ping", Destination{}, Authority{}, PriorityService, nil),
	}
	follow, err := n.handleSendMsg(context.Background(), cmd)
	if err != nil {
		t.Fatalf("handleSendMsg: %v", err)
	}
	if follow != nil {
		t.Fatalf("expected no follow-up cmds, got %v", follow)
	}
}
