package core

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"
)

func TestGenesisKeyPairSignAndVerifyRoundTrip(t *testing.T) {
	key, sk, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	msg := []byte("section message")
	sig := SignGenesis(sk, msg)

	ok, err := VerifySectionSignature(key, msg, sig)
	if err != nil {
		t.Fatalf("VerifySectionSignature: %v", err)
	}
	if !ok {
		t.Fatalf("expected a genuine signature to verify")
	}

	ok, err = VerifySectionSignature(key, []byte("different message"), sig)
	if err != nil {
		t.Fatalf("VerifySectionSignature: %v", err)
	}
	if ok {
		t.Fatalf("expected a signature over a different message to fail verification")
	}
}

func TestChainKeyJSONRoundTrip(t *testing.T) {
	key, _, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	data, err := json.Marshal(key)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got ChainKey
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !got.Equal(key) {
		t.Fatalf("expected ChainKey to round-trip through JSON")
	}
}

func TestAggregateBLSSigsCombinesGenesisSignatures(t *testing.T) {
	_, sk1, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	_, sk2, err := GenesisKeyPair()
	if err != nil {
		t.Fatalf("GenesisKeyPair: %v", err)
	}
	msg := []byte("shared message")
	sig1 := SignGenesis(sk1, msg)
	sig2 := SignGenesis(sk2, msg)

	agg, err := AggregateBLSSigs([][]byte{sig1, sig2})
	if err != nil {
		t.Fatalf("AggregateBLSSigs: %v", err)
	}
	if len(agg) == 0 {
		t.Fatalf("expected a non-empty aggregated signature")
	}

	if _, err := AggregateBLSSigs(nil); err == nil {
		t.Fatalf("expected aggregating zero signatures to fail")
	}
}

func TestNodeSigRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	msg := []byte("node message")
	sig := SignNodeSig(priv, msg)
	if !VerifyNodeSig(pub, msg, sig) {
		t.Fatalf("expected a genuine node signature to verify")
	}
	if VerifyNodeSig(pub, []byte("tampered"), sig) {
		t.Fatalf("expected a tampered message to fail verification")
	}
}
