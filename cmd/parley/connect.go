package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/bootstrap"
	"github.com/parley-voice/parley/internal/cli"
	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/metrics"
	"github.com/parley-voice/parley/internal/notify"
	"github.com/parley-voice/parley/internal/router"
	"github.com/parley-voice/parley/internal/session"
	"github.com/parley-voice/parley/internal/storage"
	"github.com/parley-voice/parley/internal/transport"
	"github.com/parley-voice/parley/internal/usage"
)

var (
	flagServe    bool
	flagAudioOut string
	flagDuration time.Duration
	flagNoAudit  bool
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Start a voice session and stream its notifications",
	Long: "connect fetches a credential from the bootstrap server, negotiates a WebRTC\n" +
		"session and prints transcripts and usage until interrupted.",
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().BoolVar(&flagServe, "serve", false, "run the bootstrap server in-process and broadcast notifications on its websocket")
	connectCmd.Flags().StringVar(&flagAudioOut, "audio-out", "", "write received Opus payloads to this file")
	connectCmd.Flags().DurationVar(&flagDuration, "duration", 0, "disconnect after this long (0 waits for a signal)")
	connectCmd.Flags().BoolVar(&flagNoAudit, "no-audit", false, "do not persist the protocol audit trail")
	rootCmd.AddCommand(connectCmd)
}

const terminalQueueSize = 128

// terminalSink prints notifications from its own goroutine so the event
// router never waits on the terminal.
type terminalSink struct {
	out     io.Writer
	logger  *zap.Logger
	queue   chan notify.Notification
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	dropped int
}

func newTerminalSink(out io.Writer, logger *zap.Logger) *terminalSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &terminalSink{
		out:    out,
		logger: logger,
		queue:  make(chan notify.Notification, terminalQueueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *terminalSink) Notify(n notify.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- n:
	default:
		s.dropped++
		s.logger.Warn("terminal notification queue full; dropping",
			zap.String("type", n.Type),
			zap.Int("dropped", s.dropped),
		)
	}
}

func (s *terminalSink) run() {
	defer close(s.done)
	for n := range s.queue {
		if line := cli.RenderNotification(n); line != "" {
			fmt.Fprintln(s.out, line)
		}
	}
}

// Close flushes queued notifications.
func (s *terminalSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func runConnect(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	store := storage.NewStore(db, logger)
	defer store.Close()

	cache, err := usage.NewPricingCache(cfg.Usage.PricingCacheSize, seconds(cfg.Usage.PricingCacheTTLSec))
	if err != nil {
		return fmt.Errorf("pricing cache: %w", err)
	}
	resolver := usage.NewPricingResolver(store, cache, logger)
	engine := usage.NewEngine(store, resolver, cfg.Usage.UserID, cfg.Usage.DefaultModel, logger)

	term := newTerminalSink(cmd.OutOrStdout(), logger)
	defer term.Close()
	sinks := notify.Fanout{term, notify.LogSink{Logger: logger.Named("notify")}}

	if flagServe {
		srv := bootstrap.NewServer(cfg, logger)
		srv.SetUsageReader(store)
		srv.SetHealthChecker(bootstrap.NewHealthChecker(db, srv.Hub(), cfg.Upstream.APIKey != ""))
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()
		sinks = append(sinks, srv.Hub())
	}

	routerOpts := []router.Option{
		router.WithLogger(logger),
		router.WithAccountant(engine),
		router.WithAccountingTimeout(seconds(cfg.Usage.AccountingTimeoutSec)),
		router.WithPendingResponseTimeout(seconds(cfg.Session.PendingResponseTimeoutSec)),
	}
	if !flagNoAudit {
		audit := storage.NewAuditTrail(db, logger)
		defer audit.Close()
		routerOpts = append(routerOpts, router.WithAuditor(audit))
	}
	r := router.New(router.NewGate(logger), sinks, routerOpts...)

	var audioOut io.Writer
	if flagAudioOut != "" {
		f, err := os.Create(flagAudioOut)
		if err != nil {
			return fmt.Errorf("open audio output: %w", err)
		}
		defer f.Close()
		audioOut = f
	}

	coord := session.NewCoordinator(
		session.NewCredentialClient(cfg.Bootstrap.URL, seconds(cfg.Bootstrap.TimeoutSec), logger),
		session.NewHTTPNegotiator(cfg.Upstream.RealtimeURL, cfg.Upstream.Model, seconds(cfg.Upstream.TimeoutSec), logger),
		transportFactory(cfg.WebRTC, audioOut, logger),
		r,
		session.WithLogger(logger),
		session.WithUsage(engine),
		session.WithSessionConfig(cfg.Session),
	)

	if err := coord.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	info := coord.Info()
	fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTitle("Connected "+info.SessionID))

	wait := ctx.Done()
	if flagDuration > 0 {
		timer := time.NewTimer(flagDuration)
		defer timer.Stop()
		merged := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			close(merged)
		}()
		wait = merged
	}
	<-wait

	// EndSession resets the accumulator, so read it first.
	acc := engine.Accumulated()
	logger.Info("disconnecting", zap.String("session_id", info.SessionID))
	disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coord.Disconnect(disconnectCtx); err != nil {
		logger.Warn("disconnect did not complete", zap.Error(err))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\n  Session %s  tokens in %s / out %s  cost %s\n",
		info.SessionID,
		cli.FormatTokens(acc.InputTokens),
		cli.FormatTokens(acc.OutputTokens),
		cli.FormatCost(acc.TotalCost),
	)
	return nil
}

// transportFactory builds one PeerTransport per connect attempt. Outbound
// audio is paced Opus silence; received audio is drained to out when set.
func transportFactory(cfg config.WebRTCConfig, out io.Writer, logger *zap.Logger) session.TransportFactory {
	return func() session.Transport {
		mic := transport.NewSampleMicrophone(transport.SilenceSource{}, logger)
		sink := transport.NewDrainSink(out, logger)
		return transport.NewPeerTransport(cfg, mic, sink, logger)
	}
}
