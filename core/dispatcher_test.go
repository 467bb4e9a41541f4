package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDispatcherExecutesRegisteredHandler(t *testing.T) {
	d := NewDispatcher(8, 4, nil)
	done := make(chan XorName, 1)
	d.Register(CmdTrackIssue, func(ctx context.Context, cmd Cmd) ([]Cmd, error) {
		done <- cmd.IssuePeer
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	peer := XorName{0x07}
	d.Enqueue(Cmd{Kind: CmdTrackIssue, IssuePeer: peer, IssueKind: IssueDkg})

	select {
	case got := <-done:
		if got != peer {
			t.Fatalf("expected handler to see peer %v, got %v", peer, got)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler was never invoked")
	}
}

func TestDispatcherChainsFollowUpCmds(t *testing.T) {
	d := NewDispatcher(8, 4, nil)
	done := make(chan struct{}, 1)
	d.Register(CmdTrackIssue, func(ctx context.Context, cmd Cmd) ([]Cmd, error) {
		return []Cmd{{Kind: CmdProposeMembership}}, nil
	})
	d.Register(CmdProposeMembership, func(ctx context.Context, cmd Cmd) ([]Cmd, error) {
		done <- struct{}{}
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Enqueue(Cmd{Kind: CmdTrackIssue})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected the follow-up cmd to be dispatched")
	}
}

func TestDispatcherScheduleAfterDelaysInnerCmd(t *testing.T) {
	d := NewDispatcher(8, 4, nil)
	fired := make(chan struct{}, 1)
	d.Register(CmdTrackIssue, func(ctx context.Context, cmd Cmd) ([]Cmd, error) {
		fired <- struct{}{}
		return nil, nil
	})
	d.Register(CmdStartDkg, func(ctx context.Context, cmd Cmd) ([]Cmd, error) {
		inner := Cmd{Kind: CmdTrackIssue}
		return []Cmd{{Kind: CmdScheduleAfter, After: 10 * time.Millisecond, Inner: &inner}}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	start := time.Now()
	d.Enqueue(Cmd{Kind: CmdStartDkg})

	select {
	case <-fired:
		if time.Since(start) < 5*time.Millisecond {
			t.Fatalf("expected the inner cmd to be delayed by roughly 10ms")
		}
	case <-time.After(time.Second):
		t.Fatalf("scheduled cmd never fired")
	}
}

func TestDispatcherMissingHandlerDoesNotPanic(t *testing.T) {
	d := NewDispatcher(8, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// CmdSendMsg has no registered handler; execute() should just log and move on.
	d.Enqueue(Cmd{Kind: CmdSendMsg})
	d.Enqueue(Cmd{Kind: CmdTrackIssue})
	time.Sleep(20 * time.Millisecond)
}

func TestServiceBusyErrorWrapsTaxonomy(t *testing.T) {
	err := ServiceBusyError(CmdSendMsg)
	if !errors.Is(err, ErrServiceBusy) {
		t.Fatalf("expected an error wrapping ErrServiceBusy, got %v", err)
	}
}
