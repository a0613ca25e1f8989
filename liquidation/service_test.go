package liquidation

import (
	"context"
	"testing"
	"time"

	"cosmossdk.io/log"

	"github.com/openalpha/perp-engine/repo"
	"github.com/openalpha/perp-engine/risk"
	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/types"
)

type fakeSink struct {
	accept bool
	notify chan struct{}
	reqs   []Request
}

func (s *fakeSink) EnqueueLiquidation(r Request) bool {
	s.reqs = append(s.reqs, r)
	if s.notify != nil {
		s.notify <- struct{}{}
	}
	return s.accept
}

func newTestService(t *testing.T, accept bool) (*Service, *repo.Repos, *fakeSink) {
	t.Helper()
	mem := store.NewMemory()
	keys := store.NewKeys("test")
	logger := log.NewNopLogger()
	locker := store.NewLocker(mem, logger)
	repos := repo.New(mem, keys, locker, logger)
	sink := &fakeSink{accept: accept}
	return NewService(repos, sink, logger), repos, sink
}

func TestServiceClaimsCandidate(t *testing.T) {
	svc, repos, sink := newTestService(t, true)
	ctx := context.Background()
	pos := seedPosition(t, repos, "0xbad", true, unit(1), unit(100), unit(10))

	svc.claim(ctx, risk.Candidate{Position: pos, RatioBp: 12_000, Urgency: 20})

	if len(sink.reqs) != 1 {
		t.Fatalf("enqueued %d requests, want 1", len(sink.reqs))
	}
	req := sink.reqs[0]
	if req.Position.ID != pos.ID || req.Urgency != 20 {
		t.Errorf("request = %s urgency %d, want %s urgency 20", req.Position.ID, req.Urgency, pos.ID)
	}
	if !req.Position.IsLiquidating {
		t.Error("enqueued position should carry the claim")
	}
	stored, err := repos.Positions.Get(ctx, pos.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !stored.IsLiquidating {
		t.Error("claim not persisted")
	}
}

func TestServiceDropsDuplicateCandidates(t *testing.T) {
	svc, repos, sink := newTestService(t, true)
	ctx := context.Background()
	pos := seedPosition(t, repos, "0xbad", true, unit(1), unit(100), unit(10))

	cand := risk.Candidate{Position: pos, RatioBp: 12_000, Urgency: 20}
	svc.claim(ctx, cand)
	svc.claim(ctx, cand)

	if len(sink.reqs) != 1 {
		t.Errorf("enqueued %d requests, want 1", len(sink.reqs))
	}
}

func TestServiceSkipsClosedPosition(t *testing.T) {
	svc, repos, sink := newTestService(t, true)
	ctx := context.Background()
	pos := seedPosition(t, repos, "0xbad", true, unit(1), unit(100), unit(10))
	pos.Status = types.PositionStatusClosed
	if err := repos.Positions.Save(ctx, pos); err != nil {
		t.Fatalf("save: %v", err)
	}

	svc.claim(ctx, risk.Candidate{Position: pos, RatioBp: 12_000, Urgency: 20})

	if len(sink.reqs) != 0 {
		t.Errorf("enqueued %d requests for a closed position", len(sink.reqs))
	}
	stored, err := repos.Positions.Get(ctx, pos.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.IsLiquidating {
		t.Error("closed position should not be claimed")
	}
}

func TestServiceReleasesClaimWhenQueueFull(t *testing.T) {
	svc, repos, sink := newTestService(t, false)
	ctx := context.Background()
	pos := seedPosition(t, repos, "0xbad", true, unit(1), unit(100), unit(10))

	svc.claim(ctx, risk.Candidate{Position: pos, RatioBp: 12_000, Urgency: 20})

	if len(sink.reqs) != 1 {
		t.Fatalf("enqueue attempts = %d, want 1", len(sink.reqs))
	}
	stored, err := repos.Positions.Get(ctx, pos.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.IsLiquidating {
		t.Error("claim should be released when the queue rejects it")
	}
}

func TestServiceRunConsumesCandidates(t *testing.T) {
	svc, repos, sink := newTestService(t, true)
	sink.notify = make(chan struct{}, 1)
	pos := seedPosition(t, repos, "0xbad", true, unit(1), unit(100), unit(10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan risk.Candidate, 1)
	done := make(chan struct{})
	go func() {
		svc.Run(ctx, ch)
		close(done)
	}()

	ch <- risk.Candidate{Position: pos, RatioBp: 11_000, Urgency: 10}
	select {
	case <-sink.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("candidate was not consumed")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
	if len(sink.reqs) != 1 {
		t.Errorf("enqueued %d requests, want 1", len(sink.reqs))
	}
}
