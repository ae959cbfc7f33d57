// Command syncble runs the BLE connection manager as a daemon. Events go to
// the log and optionally to NATS, MQTT and the HTTP event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/syncble/internal/api"
	"github.com/chaz8081/syncble/internal/ble"
	"github.com/chaz8081/syncble/internal/bluez"
	"github.com/chaz8081/syncble/internal/config"
	"github.com/chaz8081/syncble/internal/events"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/syncble/config.yaml)")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to write default config")
		}
		if path == "" {
			log.Info().Str("path", config.DefaultConfigPath()).Msg("config file already exists")
			return
		}
		log.Info().Str("path", path).Msg("default config written")
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	setupLogging(cfg)
	printBanner(cfg)

	var driver ble.Driver = ble.NewTinyGoDriver(log.Logger)
	if cfg.BlueZ.InvalidateCache {
		inv := bluez.NewCacheInvalidator(log.Logger)
		defer inv.Close()
		driver = ble.WithCacheInvalidation(driver, inv.Invalidate)
	}

	bus := events.NewBus(log.Logger)
	defer bus.Close()
	publishers := events.Multi{events.NewLogSink(log.Logger), bus}

	if n := cfg.Events.NATS; n.URL != "" {
		nc, err := events.DialNATS(events.NATSOptions{
			URL:           n.URL,
			Name:          n.Name,
			MaxReconnects: n.MaxReconnects,
			ReconnectWait: n.ReconnectWait,
		}, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer nc.Drain()
		publishers = append(publishers, events.NewNATSSink(nc, n.SubjectPrefix, log.Logger))
	}

	if m := cfg.Events.MQTT; m.Broker != "" {
		client, err := events.DialMQTT(events.MQTTOptions{Broker: m.Broker, ClientID: m.ClientID}, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to MQTT broker")
		}
		defer client.Disconnect(250)
		publishers = append(publishers, events.NewMQTTSink(client, m.TopicPrefix, m.QoS, log.Logger))
	}

	mgr := ble.NewManager(driver, ble.Options{
		ScanWindow:      cfg.Scan.Window,
		DisconnectGrace: cfg.Connection.DisconnectGrace,
		ReconnectMax:    cfg.Connection.ReconnectMax,
		Logger:          &log.Logger,
		Publisher:       publishers,
	})
	// The daemon stays bound for its whole life so the manager never idles
	// out underneath API clients.
	mgr.Bind()
	defer mgr.Shutdown()

	if !mgr.Available() {
		log.Warn().Msg("Bluetooth adapter unavailable; scanning and connecting will fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Scan.AutoStart {
		if err := mgr.SetScanning(true, cfg.Scan.Continuous); err != nil {
			log.Error().Err(err).Msg("failed to start scan")
		}
	}

	if cfg.Connection.Address != "" {
		sub := bus.Subscribe(16)
		g.Go(func() error {
			defer bus.Unsubscribe(sub)
			autoConnect(gctx, mgr, sub, cfg.Connection.Address, cfg.Connection.AutoReconnect)
			return nil
		})
	}

	if cfg.API.Enabled {
		srv := api.NewServer(mgr, bus, log.Logger)
		g.Go(func() error {
			if err := srv.ListenAndServe(cfg.API.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info().Msg("ready, Ctrl+C to quit")
	<-gctx.Done()
	log.Info().Msg("shutting down")
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("exited with error")
	}
	mgr.Unbind()
}

// autoConnect connects to address, waiting for it to be discovered first
// when the registry does not know it yet.
func autoConnect(ctx context.Context, mgr *ble.Manager, sub <-chan ble.Event, address string, autoReconnect bool) {
	for {
		err := mgr.Connect(address, autoReconnect)
		switch {
		case err == nil:
			log.Info().Str("address", address).Msg("connecting to configured device")
			return
		case errors.Is(err, ble.ErrAlreadyConnected):
			return
		case errors.Is(err, ble.ErrUnknownDevice):
			log.Info().Str("address", address).Msg("waiting for configured device to be discovered")
		default:
			log.Error().Err(err).Str("address", address).Msg("failed to connect to configured device")
			return
		}

		if !waitForDevice(ctx, sub, address) {
			return
		}
	}
}

func waitForDevice(ctx context.Context, sub <-chan ble.Event, address string) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-sub:
			if !ok {
				return false
			}
			if e.Kind != ble.DevicesUpdated {
				continue
			}
			for _, d := range e.Devices {
				if d.Address == address {
					return true
				}
			}
		}
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	cfg, err := config.LoadOrDefault(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Err(err).Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== syncble ===")
	fmt.Printf("  Scan:     %s window, continuous=%v, auto_start=%v\n", cfg.Scan.Window, cfg.Scan.Continuous, cfg.Scan.AutoStart)
	if cfg.Connection.Address != "" {
		fmt.Printf("  Device:   %s (auto_reconnect=%v)\n", cfg.Connection.Address, cfg.Connection.AutoReconnect)
	}
	if cfg.Events.NATS.URL != "" {
		fmt.Printf("  NATS:     %s (%s.*)\n", cfg.Events.NATS.URL, cfg.Events.NATS.SubjectPrefix)
	}
	if cfg.Events.MQTT.Broker != "" {
		fmt.Printf("  MQTT:     %s (%s/#)\n", cfg.Events.MQTT.Broker, cfg.Events.MQTT.TopicPrefix)
	}
	if cfg.API.Enabled {
		fmt.Printf("  API:      http://%s/api/v1\n", cfg.API.Listen)
	}
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("===============")
}
