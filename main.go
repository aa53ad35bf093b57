package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"monkeykit/config"
	"monkeykit/network"
	"monkeykit/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		debug     bool
		encrypt   bool
		recipient string
		appKey    string
		appSecret string
		domain    string
	)

	flagSet := pflag.NewFlagSet("monkeykit", pflag.ContinueOnError)
	flagSet.BoolVar(&debug, "debug", false, "use the stage server over plain ws/http and log verbosely")
	flagSet.BoolVar(&encrypt, "encrypt", false, "encrypt outgoing text with the recipient's conversation key")
	flagSet.StringVarP(&recipient, "to", "t", "", "send each stdin line to this user or group id")
	flagSet.StringVar(&appKey, "app-key", "", "application key (overrides config)")
	flagSet.StringVar(&appSecret, "app-secret", "", "application secret (overrides config)")
	flagSet.StringVar(&domain, "domain", "", "server domain (overrides config)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := newLogger(debug)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if appKey != "" {
		cfg.AppKey = appKey
	}
	if appSecret != "" {
		cfg.AppSecret = appSecret
	}
	if domain != "" {
		cfg.Domain = domain
	}
	if !cfg.HasCredentials() {
		return fmt.Errorf("app_key and app_secret must be set in %s or passed as flags", cfgPath)
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()

	logger.Info("starting",
		zap.String("install_id", cfg.InstallID),
		zap.String("config", cfgPath),
		zap.String("database", dbPath),
		zap.Bool("debug", debug || cfg.Debug),
	)

	session, err := network.NewSessionManager(network.SessionOptions{
		Store:         store,
		Logger:        logger,
		Domain:        cfg.Domain,
		StageDomain:   cfg.StageDomain,
		Debug:         debug || cfg.Debug,
		AutoSync:      cfg.AutoSync,
		AutoSave:      cfg.AutoSave,
		ExpireSession: cfg.ExpireSession,
		KeyPrefix:     cfg.KeyPrefix,
		OnEvent:       printEvent,
	})
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds := network.Credentials{AppKey: cfg.AppKey, AppSecret: cfg.AppSecret}
	if err := session.Init(ctx, creds, cfg.User); err != nil {
		return fmt.Errorf("init session: %w", err)
	}

	if recipient != "" {
		go sendLines(ctx, logger, session, recipient, encrypt)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func sendLines(ctx context.Context, logger *zap.Logger, session *network.SessionManager, recipient string, encrypt bool) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		msg, err := session.SendText(recipient, text, network.SendOptions{Encrypt: encrypt})
		if err != nil {
			logger.Warn("send failed", zap.String("recipient", recipient), zap.Error(err))
			continue
		}
		fmt.Printf("-> %s [%d] %s\n", recipient, msg.ID, text)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("read stdin", zap.Error(err))
	}
}

func printEvent(event network.Event) {
	switch event.Type {
	case network.EventStatusChange:
		fmt.Printf("status: %s\n", event.Status)
	case network.EventMessage:
		fmt.Printf("<- %s [%d] %s\n", event.PeerID, event.MessageID, event.Message.Body())
	case network.EventAcknowledge:
		fmt.Printf("ack: %d -> %d (status %d)\n", event.OldID, event.MessageID, event.DeliveryStatus)
	case network.EventMessageFailed:
		fmt.Printf("failed: %d: %v\n", event.MessageID, event.Err)
	case network.EventGroupList:
		fmt.Printf("groups: %s\n", strings.Join(event.Groups, ", "))
	case network.EventError:
		fmt.Printf("error: %v\n", event.Err)
	default:
		fmt.Printf("event: %s peer=%s\n", event.Type, event.PeerID)
	}
}
