package cli

import (
	"context"

	"go.uber.org/zap"

	"github.com/fortressi/crosschain"
	"github.com/fortressi/crosschain/config"
	"github.com/fortressi/crosschain/kv"
	"github.com/fortressi/crosschain/publish"
	"github.com/fortressi/crosschain/resolver"
	"github.com/fortressi/crosschain/sim"
)

// session is one portfolio wired to a simulated network.
type session struct {
	store      kv.Store
	closeStore func() error
	net        *sim.Network
	resolver   *resolver.Resolver
	portfolio  *crosschain.Portfolio
	trail      *publish.Recorder
}

func openSession(ctx context.Context, cfg config.Config, logger *zap.Logger, verbose bool) (*session, error) {
	store, closeStore, err := cfg.OpenStore(ctx)
	if err != nil {
		return nil, err
	}
	s := &session{store: store, closeStore: closeStore, trail: publish.NewRecorder()}

	publishers := publish.Multi{s.trail, publish.NewStorePublisher(store, logger)}
	if verbose {
		publishers = append(publishers, publish.LogPublisher{Logger: logger})
	}

	s.resolver, err = resolver.New(ctx, store,
		resolver.WithPublisher(publishers),
		resolver.WithLogger(logger.Named("resolver")))
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	chains := cfg.ChainTable()
	s.net = sim.New(cfg.Owner, chains, sim.WithLogger(logger.Named("sim")))
	s.portfolio, err = crosschain.NewPortfolio(ctx, cfg.Portfolio, crosschain.PortfolioDeps{
		Store:     store,
		Network:   s.net,
		Resolver:  s.resolver,
		Chains:    chains,
		Publisher: publishers,
		Logger:    logger,
		Retry:     cfg.Retry,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	return s, nil
}

func (s *session) close() error {
	s.portfolio.Close()
	return s.closeStore()
}

func flowPath(portfolio, flowID string) string {
	return publish.Join("portfolios", portfolio, "flows", flowID)
}
