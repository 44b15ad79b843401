package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/loykin/servermgr"
	"github.com/loykin/servermgr/internal/history/sqlite"
	"github.com/loykin/servermgr/internal/logger"
	"github.com/loykin/servermgr/pkg/client"
)

func loadConfig(path string) (*servermgr.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	return servermgr.LoadConfig(path)
}

// buildHistory constructs the lifecycle event sink selected in the config;
// nil when history recording is disabled.
func buildHistory(ctx context.Context, h servermgr.HistoryConfig) (servermgr.HistorySink, error) {
	switch h.Type {
	case "":
		return nil, nil
	case "sqlite":
		return servermgr.NewSQLiteHistory(h.SQLitePath)
	case "clickhouse":
		return servermgr.NewClickHouseHistory(ctx, servermgr.ClickHouseConfig{
			Addr:     h.ClickHouseAddr,
			Database: h.ClickHouseDatabase,
			Username: h.ClickHouseUsername,
			Password: h.ClickHousePassword,
			Table:    h.ClickHouseTable,
		})
	default:
		return nil, fmt.Errorf("unknown history type %q", h.Type)
	}
}

// runServer starts the configured server, blocks until SIGINT or SIGTERM,
// and stops it gracefully.
func runServer(configPath string, f RunFlags) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := logger.NewLogger(os.Stderr, "info", true)
	if err := servermgr.RegisterMetricsDefault(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, err := buildHistory(ctx, cfg.History)
	if err != nil {
		return err
	}
	opts := []servermgr.PostgresOption{servermgr.WithLogger(log)}
	if sink != nil {
		defer func() { _ = sink.Close() }()
		opts = append(opts, servermgr.WithHistory(sink))
	}
	m, err := servermgr.NewPostgres(cfg.Server, opts...)
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}

	listen := f.Listen
	if listen == "" {
		listen = cfg.Listen
	}
	var httpSrv *http.Server
	if listen != "" {
		httpSrv = servermgr.NewHTTPServer(listen, "", m)
		log.Info("http endpoint listening", "addr", listen)
	}

	<-ctx.Done()
	stop()
	log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Server.StopTimeout+5*time.Second)
	defer cancel()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(stopCtx)
	}
	return m.Stop(stopCtx)
}

// initDataDir performs first-time data directory initialization without
// starting the server.
func initDataDir(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	m, err := servermgr.NewPostgres(cfg.Server)
	if err != nil {
		return err
	}
	already := servermgr.DataDirInitialized(cfg.Server.DataDir)
	if err := m.Initialize(ctx); err != nil {
		return err
	}
	if already {
		_, _ = fmt.Fprintf(out, "data directory %s already initialized\n", cfg.Server.DataDir)
	} else {
		_, _ = fmt.Fprintf(out, "initialized data directory %s\n", cfg.Server.DataDir)
	}
	return nil
}

// showHistory prints the most recent lifecycle events recorded in the
// configured sqlite sink, newest first.
func showHistory(ctx context.Context, configPath string, f HistoryFlags, out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.History.Type != "sqlite" {
		return fmt.Errorf("history requires a sqlite sink in the config, have %q", cfg.History.Type)
	}
	s, err := sqlite.New(cfg.History.SQLitePath)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	events, err := s.Recent(ctx, cfg.Server.Name, f.Limit)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, string(b))
	return nil
}

// localStatus is the out-of-band status report printed when no daemon is
// queried.
type localStatus struct {
	Name         string `json:"name"`
	Addr         string `json:"addr"`
	DataDir      string `json:"data_dir"`
	Initialized  bool   `json:"initialized"`
	Alive        bool   `json:"alive"`
	AddressInUse bool   `json:"address_in_use"`
}

// reportStatus queries a running daemon when --api-url is set, otherwise it
// inspects the data directory and process out of band.
func reportStatus(ctx context.Context, configPath string, f StatusFlags, out io.Writer) error {
	if f.APIUrl != "" {
		return remoteStatus(ctx, f, out)
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	m, err := servermgr.NewPostgres(cfg.Server)
	if err != nil {
		return err
	}
	alive, _ := m.Alive()
	inUse, _ := servermgr.AddressInUse(cfg.Server.Host, cfg.Server.Port)
	st := localStatus{
		Name:         cfg.Server.Name,
		Addr:         cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		DataDir:      cfg.Server.DataDir,
		Initialized:  servermgr.DataDirInitialized(cfg.Server.DataDir),
		Alive:        alive,
		AddressInUse: inUse,
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, string(b))
	return nil
}

func remoteStatus(ctx context.Context, f StatusFlags, out io.Writer) error {
	c := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, string(b))
	return nil
}
