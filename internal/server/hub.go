package server

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/robfig/cron/v3"
)

type Options struct {
	GracePeriod      time.Duration
	IdleTimeout      time.Duration
	PresenceSweep    string
	CallEmptyGrace   time.Duration
	CallAbandonAfter time.Duration
	CallSweep        string
	RoomIdleTimeout  time.Duration
	DedupCacheSize   int
	SendBuffer       int
	HistoryLimit     int
}

func DefaultOptions() Options {
	return Options{
		GracePeriod:      5 * time.Second,
		IdleTimeout:      5 * time.Minute,
		PresenceSweep:    "@every 30s",
		CallEmptyGrace:   30 * time.Second,
		CallAbandonAfter: time.Hour,
		CallSweep:        "@every 1m",
		RoomIdleTimeout:  5 * time.Minute,
		DedupCacheSize:   4096,
		SendBuffer:       256,
		HistoryLimit:     50,
	}
}

// Hub wires the core components together and owns their lifecycle.
type Hub struct {
	log   hclog.Logger
	repo  database.Repository
	stats stats.StatsProvider
	opts  Options

	Gateway   *Gateway
	Presence  *PresenceRegistry
	Directory *Directory
	Relay     *Relay
	Calls     *CallManager
	Signals   *SignalRelay
	Votes     *VoteService
	Notifier  *Notifier
	Router    *Router

	cron *cron.Cron
}

func NewHub(logger hclog.Logger, repo database.Repository, st stats.StatsProvider, opts Options) (*Hub, error) {
	h := &Hub{
		log:   logger,
		repo:  repo,
		stats: st,
		opts:  opts,
	}

	h.Directory = newDirectory(logger.Named("room"), repo, st, opts.RoomIdleTimeout)
	h.Calls = newCallManager(logger.Named("calls"), repo, st, opts.CallEmptyGrace, opts.CallAbandonAfter)
	h.Presence = newPresenceRegistry(logger.Named("presence"), repo, st, opts.IdleTimeout)
	h.Gateway = newGateway(logger.Named("gateway"), st, opts.GracePeriod, opts.SendBuffer)
	h.Notifier = &Notifier{log: logger.Named("notifier"), dir: h.Directory, calls: h.Calls, stats: st}

	relay, err := newRelay(logger.Named("relay"), h.Directory, repo, st, opts.DedupCacheSize, opts.HistoryLimit)
	if err != nil {
		return nil, err
	}
	h.Relay = relay

	h.Signals = &SignalRelay{calls: h.Calls}
	h.Votes = &VoteService{log: logger.Named("votes"), repo: repo, dir: h.Directory, notifier: h.Notifier}
	h.Router = newRouter(logger.Named("router"), h)

	h.Directory.calls = h.Calls
	h.Directory.relay = h.Relay
	h.Directory.notifier = h.Notifier
	h.Calls.dir = h.Directory
	h.Presence.notifier = h.Notifier
	h.Presence.rooms = h.Gateway
	h.Gateway.presence = h.Presence
	h.Gateway.dir = h.Directory
	h.Gateway.calls = h.Calls
	h.Gateway.router = h.Router

	cronRunner := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger.Named("cron")})),
	)
	if _, err := cronRunner.AddFunc(opts.PresenceSweep, h.Presence.SweepIdle); err != nil {
		return nil, err
	}
	if _, err := cronRunner.AddFunc(opts.CallSweep, func() { h.Calls.SweepAbandoned(time.Now().UTC()) }); err != nil {
		return nil, err
	}
	h.cron = cronRunner

	return h, nil
}

// Start restores calls left by a previous process and starts the presence
// writer and periodic sweeps.
func (h *Hub) Start(ctx context.Context) error {
	h.Presence.Run()
	if err := h.Calls.Restore(ctx); err != nil {
		return err
	}
	h.cron.Start()
	h.log.Info("hub started")
	return nil
}

// Shutdown stops sessions first so nothing new reaches the rooms and calls,
// then stops the actors and flushes presence.
func (h *Hub) Shutdown() {
	h.Gateway.Shutdown()
	<-h.cron.Stop().Done()
	h.Calls.Shutdown()
	h.Directory.Shutdown()
	h.Presence.Stop()
	h.log.Info("hub stopped")
}

// cronLogger sends cron's logs to hclog.
type cronLogger struct {
	log hclog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
