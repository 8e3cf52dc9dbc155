package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Wei-Shaw/coprox/internal/config"
	"github.com/Wei-Shaw/coprox/internal/handler"
	"github.com/Wei-Shaw/coprox/internal/pkg/logger"
	"github.com/Wei-Shaw/coprox/internal/repository"
	"github.com/Wei-Shaw/coprox/internal/server"
	"github.com/Wei-Shaw/coprox/internal/service"

	"go.uber.org/zap"
	"golang.org/x/term"
)

const usage = `coprox - OpenAI-compatible proxy for GitHub Copilot

Usage:
  coprox run          start the proxy under a controlling process
  coprox serve        run the proxy server in the foreground
  coprox add-account  authorize a new account via the GitHub Device Flow
  coprox recover      re-validate parked tokens and reinstate recovered ones
  coprox export       write the active tokens to a backup archive
  coprox import       load tokens from a backup archive
  coprox status       query a running proxy for its status

Run "coprox <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "serve":
		err = serveCmd(os.Args[2:])
	case "add-account":
		err = addAccountCmd(os.Args[2:])
	case "recover":
		err = recoverCmd(os.Args[2:])
	case "export":
		err = exportCmd(os.Args[2:])
	case "import":
		err = importCmd(os.Args[2:])
	case "status":
		err = statusCmd(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger.Sync()
}

// bootstrap loads config and initializes logging.
func bootstrap(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	err = logger.Init(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

// stack is the wired service graph for the serving process.
type stack struct {
	cfg       *config.Config
	pool      *service.CredentialPool
	quota     *service.QuotaService
	gateway   *service.GatewayService
	stats     *service.ProxyStats
	usagePool *service.UsageRecordWorkerPool
	recovery  *service.RecoveryService
	backup    *service.BackupService
	backups   *service.BackupState
	tokens    *repository.TokenFileStore
}

func buildStack(cfg *config.Config) *stack {
	upstream := service.NewHTTPClientUpstream(cfg.RequestTimeout())
	pool := service.NewCredentialPool()
	quota := service.NewQuotaService(upstream)
	backups := service.NewBackupState()

	return &stack{
		cfg:       cfg,
		pool:      pool,
		quota:     quota,
		gateway:   service.NewGatewayService(pool, upstream),
		stats:     service.NewProxyStats(),
		usagePool: service.NewUsageRecordWorkerPool(cfg.Usage.Workers),
		recovery: service.NewRecoveryService(quota, pool, cfg.Dirs.Exhausted, func(dir string) service.TokenFileReader {
			return repository.NewTokenFileStore(dir)
		}),
		backup:  service.NewBackupService(pool, quota, backups),
		backups: backups,
		tokens:  repository.NewTokenFileStore(cfg.Dirs.Tokens),
	}
}

// seedPool loads persisted tokens and registers those that still verify.
func (s *stack) seedPool(ctx context.Context) {
	tokens := s.tokens.LoadTokens()
	for _, token := range tokens {
		info, err := s.quota.VerifyTokenQuota(ctx, token)
		if err != nil {
			logger.L().Warn("stored token failed verification, skipping",
				zap.String("token_fp", service.TokenFingerprint(token)),
				zap.Error(err),
			)
			continue
		}
		if err := s.pool.Add(token, info.ChatQuota, info.ChatQuota); err != nil {
			logger.L().Warn("stored token rejected",
				zap.String("token_fp", service.TokenFingerprint(token)),
				zap.Error(err),
			)
		}
	}
	st := s.pool.Statistics()
	logger.L().Info("credential pool seeded",
		zap.Int("loaded", len(tokens)),
		zap.Int("available", st.Available),
		zap.Int("exhausted", st.Exhausted),
	)
}

func serveCmd(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	host := fs.String("host", "", "listen host (overrides config)")
	port := fs.Int("port", 0, "listen port (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	st := buildStack(cfg)
	defer st.usagePool.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st.seedPool(ctx)

	if cfg.Recovery.Enabled {
		if err := st.recovery.Schedule(cfg.Recovery.Schedule); err != nil {
			return err
		}
		defer st.recovery.Stop()
	}

	gatewayHandler := handler.NewGatewayHandler(st.gateway, st.stats, st.usagePool)
	statusHandler := handler.NewStatusHandler(st.stats, st.pool, st.usagePool, st.backups)

	st.stats.MarkStarted(cfg.Server.Host, cfg.Server.Port)
	defer st.stats.MarkStopped()

	return server.New(gatewayHandler, statusHandler).Run(ctx, cfg.Server.Host, cfg.Server.Port)
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	host := fs.String("host", "", "listen host (overrides config)")
	port := fs.Int("port", 0, "listen port (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	sup := server.NewSupervisor()
	if err := sup.Start(cfg.Server.Host, cfg.Server.Port); err != nil {
		return err
	}
	fmt.Printf("proxy running on %s:%d, press Ctrl-C to stop\n", cfg.Server.Host, cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	return sup.Stop()
}

func addAccountCmd(args []string) error {
	fs := flag.NewFlagSet("add-account", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	st := buildStack(cfg)
	defer st.usagePool.Stop()

	auth := service.NewDeviceAuthService(
		service.NewHTTPClientUpstream(cfg.RequestTimeout()),
		st.quota, st.pool, st.tokens,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT)
	defer stop()

	result, err := auth.AddAccount(ctx, func(a *service.DeviceAuthorization) {
		fmt.Printf("Open %s and enter code: %s\n", a.VerificationURI, a.UserCode)
		fmt.Printf("The code expires in %d seconds. Waiting for authorization...\n", a.ExpiresIn)
	})
	if err != nil {
		return err
	}

	if result.Duplicate {
		fmt.Println("This account is already registered.")
		return nil
	}
	fmt.Printf("Account added. Remaining chat quota: %d\n", result.Quota.ChatQuota)
	return nil
}

func recoverCmd(args []string) error {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	dir := fs.String("dir", "", "cooldown directory (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	st := buildStack(cfg)
	defer st.usagePool.Stop()

	restored := st.recovery.CheckExhaustedTokens(context.Background(), *dir)
	for _, token := range restored {
		// Recovered tokens go back to the active store so the next serve
		// picks them up.
		if _, err := st.tokens.SaveToken(token); err != nil {
			logger.L().Warn("persist recovered token failed", zap.Error(err))
		}
	}
	fmt.Printf("Recovered %d token(s).\n", len(restored))
	return nil
}

func exportCmd(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	out := fs.String("out", "coprox-backup.zip", "output archive path")
	encrypt := fs.Bool("encrypt", false, "prompt for a password and encrypt the archive")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	st := buildStack(cfg)
	defer st.usagePool.Stop()
	st.seedPool(context.Background())

	password := ""
	if *encrypt {
		if password, err = promptPassword("Backup password: "); err != nil {
			return err
		}
	}

	if err := st.backup.Export(*out, password); err != nil {
		return err
	}
	fmt.Printf("Exported %d account(s) to %s\n", st.pool.TotalCount(), *out)
	return nil
}

func importCmd(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	in := fs.String("in", "", "backup archive path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("missing required flag: -in")
	}

	cfg, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	st := buildStack(cfg)
	defer st.usagePool.Stop()

	imported, err := st.backup.Import(context.Background(), *in, "")
	if errors.Is(err, service.ErrBackupPasswordRequired) {
		var password string
		if password, err = promptPassword("Backup password: "); err != nil {
			return err
		}
		imported, err = st.backup.Import(context.Background(), *in, password)
	}
	if err != nil {
		return err
	}

	for _, token := range imported {
		if _, err := st.tokens.SaveToken(token); err != nil {
			logger.L().Warn("persist imported token failed", zap.Error(err))
		}
	}
	fmt.Printf("Imported %d account(s).\n", len(imported))
	return nil
}

func statusCmd(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := bootstrap(*configPath)
	if err != nil {
		return err
	}

	host := cfg.Server.Host
	if host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%d/status", host, cfg.Server.Port)

	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("proxy not reachable at %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}
