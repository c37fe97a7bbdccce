package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adshares/ads-tests-sub000/internal/admin"
	"github.com/adshares/ads-tests-sub000/internal/alert"
	"github.com/adshares/ads-tests-sub000/internal/config"
	"github.com/adshares/ads-tests-sub000/internal/domain/model"
	"github.com/adshares/ads-tests-sub000/internal/fee"
	"github.com/adshares/ads-tests-sub000/internal/feeshare"
	"github.com/adshares/ads-tests-sub000/internal/fixture"
	"github.com/adshares/ads-tests-sub000/internal/health"
	"github.com/adshares/ads-tests-sub000/internal/ledgerclient"
	"github.com/adshares/ads-tests-sub000/internal/reconciliation"
	"github.com/adshares/ads-tests-sub000/internal/report"
	"github.com/adshares/ads-tests-sub000/internal/session"
	"github.com/adshares/ads-tests-sub000/internal/store/postgres"
	redisstore "github.com/adshares/ads-tests-sub000/internal/store/redis"
	"github.com/adshares/ads-tests-sub000/internal/tracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const usage = `usage: escverify [-config file] [-format text|json] <command> [args]

commands:
  reconcile [address...]           check that account logs sum to their balances
  serve                            reconcile periodically and expose the admin API
  fee send_one <from> <to> <amount>
  fee send_many <from> <to>=<amount>...
  fee broadcast <message-hex>      compute the fee the schedule charges
  send <from> <to> <amount>        transfer and verify the charged fee
  cursor show|reset|next <address> inspect or advance the stored event cursor
  feeshare                         replay fee sharing on the VIP node accounts
`

// errMismatch makes the process exit with status 1: the ledger answered but
// did not match the model.
var errMismatch = errors.New("verification failed")

var errUsage = errors.New("invalid usage")

func main() {
	var (
		configPath string
		formatFlag string
	)
	flag.StringVar(&configPath, "config", "", "YAML config file; environment variables take precedence")
	flag.StringVar(&formatFlag, "format", "text", "report format: text or json")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(2)
	}
	format, err := report.ParseFormat(formatFlag)
	if err != nil {
		slog.Error("invalid format", "error", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Log.Level, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "escverify", cfg.Tracing.Endpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(2)
	}
	if cfg.Tracing.Endpoint != "" {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	a := &app{cfg: cfg, logger: logger, out: os.Stdout, format: format}
	err = a.run(ctx, flag.Args())
	a.close()
	if terr := shutdownTracing(context.Background()); terr != nil {
		logger.Warn("tracing shutdown error", "error", terr)
	}
	os.Exit(exitCode(err, logger))
}

func exitCode(err error, logger *slog.Logger) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case errors.Is(err, errMismatch):
		return 1
	case errors.Is(err, errUsage):
		fmt.Fprint(os.Stderr, usage)
		return 2
	default:
		logger.Error("escverify failed", "error", err)
		return 2
	}
}

func newLogger(level string, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

// app builds the dependencies a command needs on first use.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
	format report.Format

	schedule *fee.Schedule
	fixtures *fixture.Set
	client   *ledgerclient.Client
	db       *postgres.DB
	closers  []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "reconcile":
		return a.reconcile(ctx, rest)
	case "serve":
		return a.serve(ctx)
	case "fee":
		return a.fee(rest)
	case "send":
		return a.send(ctx, rest)
	case "cursor":
		return a.cursor(ctx, rest)
	case "feeshare":
		return a.feeShare(ctx)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (a *app) loadSchedule() (*fee.Schedule, error) {
	if a.schedule == nil {
		c, err := fee.LoadConstants(a.cfg.Fee.ConstantsFile)
		if err != nil {
			return nil, err
		}
		a.schedule = fee.NewSchedule(c)
	}
	return a.schedule, nil
}

func (a *app) loadFixtures() (*fixture.Set, error) {
	if a.fixtures == nil {
		set, err := fixture.Load(a.cfg.Fixtures.File)
		if err != nil {
			return nil, err
		}
		a.fixtures = set
		a.logger.Info("fixtures loaded", "file", a.cfg.Fixtures.File, "accounts", len(set.All()), "nodes", len(set.Nodes()))
	}
	return a.fixtures, nil
}

// nodeClient builds the ledger client on first use. Offline commands never
// call it, so ESC_BINARY is only required here.
func (a *app) nodeClient() (*ledgerclient.Client, error) {
	if err := a.cfg.RequireNode(); err != nil {
		return nil, err
	}
	if a.client == nil {
		n := a.cfg.Node
		a.client = ledgerclient.New(ledgerclient.ExecRunner{Binary: n.Binary}, ledgerclient.Config{
			Host:        n.Host,
			Port:        n.Port,
			Timeout:     n.Timeout,
			RPS:         n.RPS,
			Burst:       n.Burst,
			MaxAttempts: n.MaxAttempts,
		}, a.logger)
		a.logger.Info("ledger client ready", "binary", n.Binary, "host", n.Host, "port", n.Port)
	}
	return a.client, nil
}

// database connects and migrates the snapshot database, or returns nil when
// DB_URL is unset.
func (a *app) database(ctx context.Context) (*postgres.DB, error) {
	if a.db != nil || a.cfg.DB.URL == "" {
		return a.db, nil
	}
	db, err := postgres.New(postgres.Config{
		URL:                a.cfg.DB.URL,
		MaxOpenConns:       a.cfg.DB.MaxOpenConns,
		MaxIdleConns:       a.cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    a.cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: a.cfg.DB.StatementTimeoutMS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if a.cfg.DB.MigrateOnStart {
		if err := db.RunMigrations(ctx, postgres.Migrations()); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	postgres.StartPoolStatsPump(ctx, db, a.cfg.DB.PoolStatsInterval, a.logger)
	a.logger.Info("connected to database")
	a.db = db
	return db, nil
}

type cursorStore interface {
	session.CursorStore
	admin.CursorStore
}

// cursorStore picks Redis, then Postgres, then process memory.
func (a *app) cursorStore(ctx context.Context) (cursorStore, error) {
	if a.cfg.Redis.URL != "" {
		client, err := redisstore.Connect(ctx, a.cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.logger.Info("cursor store", "backend", "redis")
		return redisstore.NewCursorStore(client, a.cfg.Redis.CursorPrefix, a.cfg.Redis.CursorTTL), nil
	}
	db, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	if db != nil {
		a.logger.Info("cursor store", "backend", "postgres")
		return postgres.NewCursorRepo(db), nil
	}
	a.logger.Warn("no REDIS_URL or DB_URL set, cursors are kept in memory only")
	return redisstore.NewMemoryCursorStore(), nil
}

func (a *app) alerter() alert.Alerter {
	var channels []alert.Alerter
	if a.cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(a.cfg.Alert.SlackWebhookURL))
	}
	if a.cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(a.cfg.Alert.WebhookURL))
	}
	if len(channels) == 0 {
		channels = append(channels, alert.NewLogAlerter(a.logger))
	}
	return alert.NewMultiAlerter(a.cfg.Alert.Cooldown, a.logger, channels...)
}

func (a *app) publisher(printRuns bool) (reconciliation.Publisher, error) {
	var sinks report.MultiPublisher
	if len(a.cfg.Kafka.Brokers) > 0 {
		p, err := report.NewKafkaPublisher(report.KafkaConfig{
			Brokers:      a.cfg.Kafka.Brokers,
			Topic:        a.cfg.Kafka.Topic,
			RequiredAcks: a.cfg.Kafka.RequiredAcks,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p.Close)
		sinks = append(sinks, p)
	}
	if printRuns {
		sinks = append(sinks, report.NewWriterPublisher(a.out, a.format))
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func (a *app) reconciliationService(ctx context.Context, printRuns bool, registry *health.Registry) (*reconciliation.Service, error) {
	client, err := a.nodeClient()
	if err != nil {
		return nil, err
	}
	svc := reconciliation.NewService(client, reconciliation.NewEngine(a.logger), a.alerter(), a.logger)
	svc.SetConcurrency(a.cfg.Reconcile.Concurrency)
	svc.SetHealth(registry)

	db, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	if db != nil {
		svc.SetSnapshotRepository(postgres.NewReconciliationRepo(db))
	}
	pub, err := a.publisher(printRuns)
	if err != nil {
		return nil, err
	}
	if pub != nil {
		svc.SetPublisher(pub)
	}
	return svc, nil
}

func (a *app) accounts(args []string) ([]model.Address, error) {
	if len(args) > 0 {
		addrs := make([]model.Address, 0, len(args))
		for _, raw := range args {
			addr, err := model.ParseAddress(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", errUsage, err)
			}
			addrs = append(addrs, addr)
		}
		return addrs, nil
	}
	set, err := a.loadFixtures()
	if err != nil {
		return nil, err
	}
	return set.Addresses(), nil
}

func (a *app) reconcile(ctx context.Context, args []string) error {
	addrs, err := a.accounts(args)
	if err != nil {
		return err
	}
	svc, err := a.reconciliationService(ctx, true, health.NewRegistry())
	if err != nil {
		return err
	}
	result, err := svc.Reconcile(ctx, addrs)
	if err != nil {
		return err
	}
	if !result.OK() {
		return errMismatch
	}
	return nil
}

func (a *app) serve(ctx context.Context) error {
	addrs, err := a.accounts(nil)
	if err != nil {
		return err
	}
	registry := health.NewRegistry()
	client, err := a.nodeClient()
	if err != nil {
		return err
	}
	registry.AddCheck("node_breaker", func() string { return client.BreakerState().String() })

	svc, err := a.reconciliationService(ctx, false, registry)
	if err != nil {
		return err
	}
	cursors, err := a.cursorStore(ctx)
	if err != nil {
		return err
	}

	opts := []admin.ServerOption{
		admin.WithReconciler(svc, addrs),
		admin.WithCursorStore(cursors),
		admin.WithHealthProvider(registry),
	}
	if a.db != nil {
		opts = append(opts, admin.WithRunStore(postgres.NewReconciliationRepo(a.db)))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runMetricsServer(gctx, a.cfg.Server.MetricsPort, a.logger) })
	if a.cfg.Server.AdminPort > 0 {
		l := a.cfg.Server.AdminLimits
		limiter := admin.NewRateLimitMiddleware(a.logger, admin.Limits{
			ReconcileInterval:     a.cfg.Reconcile.Interval,
			ReconcilesPerInterval: l.ReconcilesPerInterval,
			CursorResetsPerMinute: l.CursorResetsPerMinute,
			ReadRPS:               l.ReadRPS,
			ReadBurst:             l.ReadBurst,
		})
		defer limiter.Stop()
		handler := admin.AuditMiddleware(a.logger, limiter.Wrap(admin.NewServer(a.logger, opts...).Handler()))
		g.Go(func() error { return runHTTPServer(gctx, "admin", a.cfg.Server.AdminPort, handler, a.logger) })
	}
	g.Go(func() error {
		if _, err := svc.Reconcile(gctx, addrs); err != nil {
			return err
		}
		return svc.RunPeriodic(gctx, a.cfg.Reconcile.Interval, addrs)
	})
	return g.Wait()
}

func (a *app) fee(args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	schedule, err := a.loadSchedule()
	if err != nil {
		return err
	}

	var charged decimal.Decimal
	switch args[0] {
	case "send_one":
		if len(args) != 4 {
			return errUsage
		}
		from, to, amount, err := parseTransfer(args[1], args[2], args[3])
		if err != nil {
			return err
		}
		charged, err = schedule.SendOneFee(from, to, amount)
		if err != nil {
			return err
		}
	case "send_many":
		if len(args) < 3 {
			return errUsage
		}
		from, err := model.ParseAddress(args[1])
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		wires, err := parseWires(args[2:])
		if err != nil {
			return err
		}
		charged, err = schedule.TransferFee(from, wires)
		if err != nil {
			return err
		}
	case "broadcast":
		charged, err = schedule.BroadcastFee(len(args[1]))
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown fee kind %q", errUsage, args[0])
	}
	fmt.Fprintln(a.out, charged.StringFixed(fee.Scale))
	return nil
}

func (a *app) session(ctx context.Context) (*session.Session, error) {
	set, err := a.loadFixtures()
	if err != nil {
		return nil, err
	}
	schedule, err := a.loadSchedule()
	if err != nil {
		return nil, err
	}
	cursors, err := a.cursorStore(ctx)
	if err != nil {
		return nil, err
	}
	client, err := a.nodeClient()
	if err != nil {
		return nil, err
	}
	return session.New(client, set, cursors, reconciliation.NewEngine(a.logger), schedule, a.logger), nil
}

func (a *app) send(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errUsage
	}
	from, to, amount, err := parseTransfer(args[0], args[1], args[2])
	if err != nil {
		return err
	}
	sess, err := a.session(ctx)
	if err != nil {
		return err
	}
	if err := sess.ExpectEvent(ctx, from); err != nil {
		return err
	}
	res, err := sess.SendOne(ctx, from, to, amount)
	if res != nil {
		fmt.Fprintf(a.out, "tx %s fee=%s deduct=%s\n", res.Tx.ID, res.Tx.Fee.StringFixed(fee.Scale), res.Tx.Deduct.StringFixed(fee.Scale))
	}
	if reconciliation.IsMismatch(err) {
		fmt.Fprintln(a.out, err)
		return errMismatch
	}
	return err
}

func (a *app) cursor(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	addr, err := model.ParseAddress(args[1])
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	switch args[0] {
	case "show", "reset":
		cursors, err := a.cursorStore(ctx)
		if err != nil {
			return err
		}
		if args[0] == "reset" {
			if err := cursors.Delete(ctx, addr); err != nil {
				return err
			}
		}
		c, err := cursors.Load(ctx, addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s %s\n", addr, c)
		return nil
	case "next":
		sess, err := a.session(ctx)
		if err != nil {
			return err
		}
		node, err := addr.Node()
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		resp, err := sess.FetchNew(ctx, addr)
		if err != nil {
			return err
		}
		for _, e := range resp.Log {
			amount, known := model.AmountOf(e, node)
			if !known {
				fmt.Fprintf(a.out, "%d %s/%d unclassified\n", e.Time, e.Type, e.TypeNo)
				continue
			}
			fmt.Fprintf(a.out, "%d %s/%d %s\n", e.Time, e.Type, e.TypeNo, amount.StringFixed(fee.Scale))
		}
		c, err := sess.Cursor(ctx, addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%d new, cursor %s\n", len(resp.Log), c)
		return nil
	default:
		return fmt.Errorf("%w: unknown cursor action %q", errUsage, args[0])
	}
}

func (a *app) feeShare(ctx context.Context) error {
	fs := a.cfg.FeeShare
	if len(fs.VIPNodes) == 0 {
		return fmt.Errorf("%w: VIP_NODES is empty", errUsage)
	}
	m, err := feeshare.NewModel(fs.VIPNodes, fs.TopNodes, fs.Fraction, a.logger)
	if err != nil {
		return err
	}
	set, err := a.loadFixtures()
	if err != nil {
		return err
	}
	client, err := a.nodeClient()
	if err != nil {
		return err
	}

	responses := make([]*model.LogResponse, 0, len(fs.VIPNodes))
	for _, node := range fs.VIPNodes {
		signer := ledgerclient.Signer{Address: model.NodeAddress(node)}
		for _, acc := range set.OnNode(node) {
			if acc.IsNode() {
				signer = acc.Signer()
				break
			}
		}
		resp, err := client.GetLog(ctx, signer, 0)
		if err != nil {
			return fmt.Errorf("fetch log of node %04X: %w", node, err)
		}
		responses = append(responses, resp)
	}

	rep, err := m.VerifyLogs(responses...)
	if err != nil {
		return err
	}
	if err := report.WriteFeeShare(a.out, a.format, rep); err != nil {
		return err
	}
	if !rep.OK() {
		alerter := a.alerter()
		for _, mm := range rep.Mismatches {
			if aerr := alerter.Send(ctx, alert.Alert{
				Type:    alert.AlertTypeFeeShareMismatch,
				Node:    fmt.Sprintf("%04X", mm.Node),
				Title:   "Logged profit_shared differs from the pool model",
				Message: mm.String(),
				Fields:  map[string]string{"block_id": mm.BlockID},
			}); aerr != nil {
				a.logger.Warn("alert send failed", "error", aerr)
			}
		}
		return errMismatch
	}
	return nil
}

func parseTransfer(rawFrom, rawTo, rawAmount string) (model.Address, model.Address, decimal.Decimal, error) {
	from, err := model.ParseAddress(rawFrom)
	if err != nil {
		return "", "", decimal.Zero, fmt.Errorf("%w: %v", errUsage, err)
	}
	to, err := model.ParseAddress(rawTo)
	if err != nil {
		return "", "", decimal.Zero, fmt.Errorf("%w: %v", errUsage, err)
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil || !amount.IsPositive() {
		return "", "", decimal.Zero, fmt.Errorf("%w: invalid amount %q", errUsage, rawAmount)
	}
	return from, to, amount, nil
}

// parseWires reads "<address>=<amount>" pairs.
func parseWires(args []string) (map[model.Address]decimal.Decimal, error) {
	wires := make(map[model.Address]decimal.Decimal, len(args))
	for _, arg := range args {
		rawAddr, rawAmount, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("%w: wire %q is not <address>=<amount>", errUsage, arg)
		}
		addr, err := model.ParseAddress(rawAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errUsage, err)
		}
		amount, err := decimal.NewFromString(rawAmount)
		if err != nil || !amount.IsPositive() {
			return nil, fmt.Errorf("%w: invalid amount %q", errUsage, rawAmount)
		}
		if _, dup := wires[addr]; dup {
			return nil, fmt.Errorf("%w: duplicate recipient %s", errUsage, addr)
		}
		wires[addr] = amount
	}
	return wires, nil
}

func runMetricsServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return runHTTPServer(ctx, "metrics", port, mux, logger)
}

func runHTTPServer(ctx context.Context, name string, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "port", port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
