// Command imsclient запускает IMS клиент: регистрацию в сети оператора,
// RCS сервисы и HTTP endpoint с метриками и состоянием.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arl/statsviz"
	"github.com/arzzra/ims_core/pkg/config"
	"github.com/arzzra/ims_core/pkg/ims/module"
	"github.com/arzzra/ims_core/pkg/logging"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "ims.yaml", "Путь к файлу конфигурации")
	level := flag.String("log.level", "", "Уровень журнала (переопределяет конфигурацию)")
	networkName := flag.String("network", "", "Сеть для подключения: mobile или wifi")
	flag.Parse()

	if err := run(*configPath, *level, *networkName); err != nil {
		fmt.Fprintf(os.Stderr, "imsclient: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, level, networkName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if level != "" {
		cfg.Log.Level = level
	}
	if networkName != "" {
		cfg.DefaultNetwork = networkName
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, err := logging.Setup(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	m, err := module.New(cfg, module.WithLogger(logger.Logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.Run(ctx)
	})
	if cfg.Metrics.Enabled {
		srv, err := httpServer(cfg.Metrics.Listen, m)
		if err != nil {
			return errors.Join(err, m.Stop(context.Background()))
		}
		g.Go(func() error {
			log.Info().Str("listen", cfg.Metrics.Listen).Msg("http server started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info().Err(err).Msg("imsclient stopped")
	return err
}

func httpServer(addr string, m *module.Module) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Context().Metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := m.Status()
		if !status.Registered {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	if err := statsviz.Register(mux); err != nil {
		return nil, fmt.Errorf("register statsviz: %w", err)
	}
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, nil
}
