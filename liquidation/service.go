package liquidation

import (
	"context"

	"cosmossdk.io/log"

	"github.com/openalpha/perp-engine/repo"
	"github.com/openalpha/perp-engine/risk"
	"github.com/openalpha/perp-engine/types"
)

// Request is a claimed liquidation handed to a token's matching loop.
type Request struct {
	Position *types.Position
	Urgency  int64
}

// Sink receives claimed liquidations. The matching engine implements it;
// false means the token's queue is full and the claim should be released.
type Sink interface {
	EnqueueLiquidation(Request) bool
}

// Service turns risk candidates into claimed liquidation requests. The
// claim is a store-level compare-and-set, so duplicate candidates and
// competing processes resolve to exactly one executor per position.
type Service struct {
	repos  *repo.Repos
	sink   Sink
	logger log.Logger
}

// NewService wires the candidate pump.
func NewService(repos *repo.Repos, sink Sink, logger log.Logger) *Service {
	return &Service{
		repos:  repos,
		sink:   sink,
		logger: logger.With("module", "liquidation"),
	}
}

// Run consumes candidates until ctx ends.
func (s *Service) Run(ctx context.Context, candidates <-chan risk.Candidate) {
	for {
		select {
		case <-ctx.Done():
			return
		case cand := <-candidates:
			s.claim(ctx, cand)
		}
	}
}

func (s *Service) claim(ctx context.Context, cand risk.Candidate) {
	// The candidate snapshot is a tick old; act on current state.
	pos, err := s.repos.Positions.Get(ctx, cand.Position.ID)
	if err != nil {
		s.logger.Warn("candidate reload failed", "position", cand.Position.ID, "error", err)
		return
	}
	if !pos.IsOpen() || pos.IsLiquidating {
		return
	}

	won, err := s.repos.Positions.SetLiquidating(ctx, pos.ID)
	if err != nil {
		s.logger.Warn("liquidation claim failed", "position", pos.ID, "error", err)
		return
	}
	if !won {
		return
	}
	pos.IsLiquidating = true

	if !s.sink.EnqueueLiquidation(Request{Position: pos, Urgency: cand.Urgency}) {
		if err := s.repos.Positions.ClearLiquidating(ctx, pos.ID); err != nil {
			s.logger.Warn("claim release failed", "position", pos.ID, "error", err)
		}
		s.logger.Warn("liquidation queue full, claim released", "position", pos.ID)
		return
	}
	s.logger.Info("liquidation claimed",
		"position", pos.ID, "marginRatio", cand.RatioBp, "urgency", cand.Urgency)
}
