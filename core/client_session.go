package core

// client_session.go – the external caller's view of the network (§4.10):
// bootstrap a PrefixMap, route to the section closest to an address, send
// to a handful of elders, collect responses, and repair knowledge on AE.
//
// Grounded on the teacher's connection_pool.go fan-out ("dial N peers
// concurrently, collect into a channel, stop once enough have answered")
// generalized from a fixed validator set to ClosestN(target) elders, and on
// replication.go's supermajority-ack counting for StoreChunk, reused here
// for command acknowledgement instead of chunk acknowledgement. Retry/
// backoff follows the same bounded-exponential shape as
// anti_entropy.go's AeBackoffTracker.

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SendFunc delivers one envelope to peer and returns its response,
// implementing the §6 "stream-capable datagram channel" open_bi/send/recv
// round trip for a single request. The concrete implementation (backed by
// Transport) is supplied by whoever constructs a ClientSession, keeping this
// file free of libp2p concerns.
type SendFunc func(ctx context.Context, peer ElderInfo, env Envelope) (Envelope, error)

// ClientSessionConfig bounds retries and elder fan-out (§4.10 steps 2, 5).
type ClientSessionConfig struct {
	ElderTargets   int           // max elders contacted per operation
	OpTimeout      time.Duration // per-operation deadline (§4.10 step 6)
	MaxCmdAttempts int           // bounded exponential backoff cap for commands
	CmdBackoffBase time.Duration
	CmdBackoffMax  time.Duration
	MaxQueryTries  int // jittered retries across distinct adults/elders for queries
}

// DefaultClientSessionConfig mirrors the "generous" defaults named in §6.
func DefaultClientSessionConfig() ClientSessionConfig {
	return ClientSessionConfig{
		ElderTargets:   3,
		OpTimeout:      30 * time.Second,
		MaxCmdAttempts: 5,
		CmdBackoffBase: 200 * time.Millisecond,
		CmdBackoffMax:  5 * time.Second,
		MaxQueryTries:  3,
	}
}

// ClientSession is one external caller's connection to the network (§4.10).
// It owns a NetworkKnowledge exactly like a node does — a client has no
// elder role, but §4.10 step 1 says it caches and verifies a PrefixMap the
// same way a node's AE engine does, so the same immutable-snapshot type
// fits without duplicating chain-verification logic.
type ClientSession struct {
	knowledge *NetworkKnowledge
	send      SendFunc
	cfg       ClientSessionConfig
	clientKey ClientSigner
	log       *logrus.Entry
}

// ClientSigner signs client commands/queries with the caller's key (§3
// "ClientSig"); the concrete key material lives outside this package.
type ClientSigner interface {
	PublicKeyBytes() []byte
	Sign(msg []byte) []byte
}

// NewClientSession seeds a session from a genesis SAP (or a cached one
// loaded from disk per §4.10 step 1) and a SendFunc bound to the caller's
// transport.
func NewClientSession(genesisSAP SAP, signer ClientSigner, send SendFunc, cfg ClientSessionConfig, log *logrus.Entry) *ClientSession {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ClientSession{
		knowledge: NewNetworkKnowledge(genesisSAP),
		send:      send,
		cfg:       cfg,
		clientKey: signer,
		log:       log,
	}
}

// LoadCachedPrefixMap adopts a PrefixMap loaded from disk (§4.10 step 1:
// "load cached PrefixMap if present"), replacing the session's current view
// wholesale — the same atomic-swap discipline NetworkKnowledge uses
// internally.
func (cs *ClientSession) LoadCachedPrefixMap(pm *PrefixMap, chain *SectionChain) {
	snap := cs.knowledge.Snapshot()
	next := &knowledgeSnapshot{
		ourSectionKey:   snap.ourSectionKey,
		ourSAP:          snap.ourSAP,
		allSAPs:         pm,
		chain:           chain,
		archivedMembers: snap.archivedMembers,
	}
	cs.knowledge.writeMu.Lock()
	cs.knowledge.ptr.Store(next)
	cs.knowledge.writeMu.Unlock()
}

// electTargets picks up to ElderTargets elders of sap ordered by closeness
// to target (§4.10 step 2).
func (cs *ClientSession) electTargets(sap SAP, target XorName) []ElderInfo {
	n := cs.cfg.ElderTargets
	if n > len(sap.Elders) {
		n = len(sap.Elders)
	}
	return ClosestN(target, sap.Elders, n)
}

func (cs *ClientSession) sign(payload []byte) Authority {
	return Authority{
		Kind:         AuthorityClientSig,
		ClientSig:    cs.clientKey.Sign(payload),
		ClientPubKey: cs.clientKey.PublicKeyBytes(),
	}
}

// dispatch sends env to every target concurrently, feeding each reply (or
// error) to collect until it signals done.
func (cs *ClientSession) dispatch(ctx context.Context, targets []ElderInfo, env Envelope, collect func(ElderInfo, Envelope, error) (done bool)) {
	var wg sync.WaitGroup
	resultCh := make(chan struct {
		peer ElderInfo
		env  Envelope
		err  error
	}, len(targets))
	for _, t := range targets {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := cs.send(ctx, t, env)
			resultCh <- struct {
				peer ElderInfo
				env  Envelope
				err  error
			}{t, resp, err}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()
	for r := range resultCh {
		if collect(r.peer, r.env, r.err) {
			return
		}
	}
}

// aeOutcome is what handleAeResponse decided to do with one reply.
type aeOutcome int

const (
	aeNotAe aeOutcome = iota // not an AE-kind response at all
	aeHandled                // knowledge merged; caller should re-issue
	aeFailed                 // an AE-kind response that failed to verify/merge
)

// handleAeResponse inspects env.Kind for one of the three AE reply shapes
// named in §4.5 and, on success, merges the carried proof chain into our
// knowledge (§4.10 step 4: "on AeRetry/AeRedirect/AeUpdate, merge knowledge
// and re-issue with a fresh msg_id").
func (cs *ClientSession) handleAeResponse(env Envelope) aeOutcome {
	switch env.Kind {
	case "AeRetry":
		var r AeRetry
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return aeFailed
		}
		if err := cs.knowledge.UpdateKnowledge(r.OurSAP, r.ProofChain); err != nil {
			cs.log.WithError(err).Warn("ae retry: merge failed")
			return aeFailed
		}
		return aeHandled
	case "AeRedirect":
		var r AeRedirect
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return aeFailed
		}
		if err := cs.knowledge.UpdateKnowledge(r.CorrectSAP, r.ProofChain); err != nil {
			cs.log.WithError(err).Warn("ae redirect: merge failed")
			return aeFailed
		}
		return aeHandled
	case "AeUpdate":
		var r AeUpdate
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return aeFailed
		}
		if err := cs.knowledge.UpdateKnowledge(r.TheirSAP, r.ProofChain); err != nil {
			cs.log.WithError(err).Warn("ae update: merge failed")
			return aeFailed
		}
		return aeHandled
	default:
		return aeNotAe
	}
}

// Bootstrap sends a trivial read toward a random address through the given
// seed contacts to trigger AE and obtain an authoritative SAP (§4.10 step
// 1). Seed contacts are treated as a provisional single-elder SAP: any
// AE response received is merged exactly as SendQuery would merge one.
func (cs *ClientSession) Bootstrap(ctx context.Context, seeds []ElderInfo) error {
	if len(seeds) == 0 {
		return fmt.Errorf("core: client bootstrap: %w: no seed contacts", ErrImpossibleState)
	}
	var randomTarget XorName
	if _, err := randReadFull(randomTarget[:]); err != nil {
		return fmt.Errorf("core: client bootstrap: %w", err)
	}
	env := NewEnvelope("BootstrapProbe", Destination{Name: randomTarget, SectionKey: cs.knowledge.OurSectionKey()},
		cs.sign(nil), PriorityService, nil)

	ctx, cancel := context.WithTimeout(ctx, cs.cfg.OpTimeout)
	defer cancel()

	var lastErr error
	for _, seed := range seeds {
		resp, err := cs.send(ctx, seed, env)
		if err != nil {
			lastErr = err
			continue
		}
		if cs.handleAeResponse(resp) != aeNotAe {
			return nil
		}
		// Any well-formed reply at all is enough to consider bootstrap done;
		// a seed that already shares our section key answers the probe directly.
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("core: client bootstrap: %w: %v", ErrSendFailed, lastErr)
	}
	return fmt.Errorf("core: client bootstrap: %w", ErrSendFailed)
}

// SendQuery implements §4.10 steps 2-6 for a read: one valid response (with
// matching authority) is enough, retried with jitter across distinct
// elders/adults on timeout or AE.
func (cs *ClientSession) SendQuery(ctx context.Context, dstName XorName, kind string, payload []byte) (Envelope, error) {
	var lastErr error
	for attempt := 0; attempt < cs.cfg.MaxQueryTries; attempt++ {
		sap, ok := cs.knowledge.Snapshot().allSAPs.SAPFor(dstName)
		if !ok {
			return Envelope{}, fmt.Errorf("core: client query: %w: no section known for target", ErrImpossibleState)
		}
		targets := cs.electTargets(sap, dstName)
		if len(targets) == 0 {
			return Envelope{}, fmt.Errorf("core: client query: %w: section has no elders", ErrImpossibleState)
		}
		rand.Shuffle(len(targets), func(i, j int) { targets[i], targets[j] = targets[j], targets[i] })

		dst := Destination{Name: dstName, SectionKey: sap.SectionKey}
		env := NewEnvelope(kind, dst, cs.sign(payload), PriorityService, payload)

		opCtx, cancel := context.WithTimeout(ctx, cs.cfg.OpTimeout)
		var result Envelope
		var found bool
		var needsRetry bool
		cs.dispatch(opCtx, targets, env, func(_ ElderInfo, resp Envelope, err error) bool {
			if err != nil {
				lastErr = err
				return false
			}
			switch cs.handleAeResponse(resp) {
			case aeHandled:
				needsRetry = true
				return true
			case aeFailed:
				lastErr = fmt.Errorf("core: %w", ErrUntrustedProofChain)
				return false
			}
			result = resp
			found = true
			return true
		})
		cancel()

		if found {
			return result, nil
		}
		if needsRetry {
			continue // fresh msg_id is implicit: NewEnvelope is called again next loop
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("core: client query: %w", ErrSendTimeout)
		}
	}
	if lastErr == nil {
		lastErr = ErrSendTimeout
	}
	return Envelope{}, fmt.Errorf("core: client query exhausted retries: %w", lastErr)
}

// SendCommand implements §4.10 steps 2-6 for a write: a supermajority of
// elder ACKs is required, retried with bounded exponential backoff (§4.10
// step 5: "commands use bounded exponential backoff with a cap on total
// attempts").
func (cs *ClientSession) SendCommand(ctx context.Context, dstName XorName, kind string, payload []byte) error {
	backoff := cs.cfg.CmdBackoffBase
	var lastErr error
	for attempt := 0; attempt < cs.cfg.MaxCmdAttempts; attempt++ {
		sap, ok := cs.knowledge.Snapshot().allSAPs.SAPFor(dstName)
		if !ok {
			return fmt.Errorf("core: client command: %w: no section known for target", ErrImpossibleState)
		}
		targets := cs.electTargets(sap, dstName)
		if len(targets) == 0 {
			return fmt.Errorf("core: client command: %w: section has no elders", ErrImpossibleState)
		}
		need := sap.Threshold()
		if need > len(targets) {
			need = len(targets)
		}

		dst := Destination{Name: dstName, SectionKey: sap.SectionKey}
		env := NewEnvelope(kind, dst, cs.sign(payload), PriorityService, payload)

		opCtx, cancel := context.WithTimeout(ctx, cs.cfg.OpTimeout)
		acked := 0
		needsRetry := false
		cs.dispatch(opCtx, targets, env, func(_ ElderInfo, resp Envelope, err error) bool {
			if err != nil {
				lastErr = err
				return false
			}
			switch cs.handleAeResponse(resp) {
			case aeHandled:
				needsRetry = true
				return true
			case aeFailed:
				lastErr = fmt.Errorf("core: %w", ErrUntrustedProofChain)
				return false
			}
			acked++
			return acked >= need
		})
		cancel()

		if acked >= need {
			return nil
		}
		if needsRetry {
			continue
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("core: client command: %w: %d/%d elders acked", ErrSendTimeout, acked, need)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > cs.cfg.CmdBackoffMax {
			backoff = cs.cfg.CmdBackoffMax
		}
	}
	return fmt.Errorf("core: client command exhausted %d attempts: %w", cs.cfg.MaxCmdAttempts, lastErr)
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return base/2 + time.Duration(rand.Int63n(int64(base)))
}

// randReadFull fills buf with cryptographically random bytes for the
// bootstrap probe's target address.
func randReadFull(buf []byte) (int, error) {
	return crand.Read(buf)
}
