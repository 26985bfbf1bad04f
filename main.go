package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cam-gateway/broker"
	"cam-gateway/common/config"
	"cam-gateway/common/log"
	"cam-gateway/common/store"
	"cam-gateway/health"
	"cam-gateway/negotiate"
	"cam-gateway/pipeline"
	"cam-gateway/registry"
	"cam-gateway/service"
)

const shutdownTimeout = 10 * time.Second

// loadConfiguredCameras registers every valid camera from the config file.
// A bad entry is logged and skipped; the rest of the fleet still comes up.
func loadConfiguredCameras(cfg *config.Config, reg *registry.Registry) {
	registered := 0
	for _, entry := range cfg.Cameras {
		desc, err := config.ParseCameraEntry(entry)
		if err != nil {
			log.Warn(fmt.Sprintf("skipping invalid camera entry: %v", err))
			continue
		}
		if _, ok := reg.Get(desc.ID); ok {
			continue
		}
		if _, err := reg.Register(desc); err != nil {
			log.Warn(fmt.Sprintf("failed to register camera %s: %v", desc.ID, err))
			continue
		}
		registered++
	}
	log.Info(fmt.Sprintf("registered %d cameras from config", registered))
}

// restorePersistedCameras re-registers cameras from the data store and
// restarts the streams that were running before the last shutdown.
func restorePersistedCameras(reg *registry.Registry, manager *pipeline.Manager) {
	var toRestore []store.CameraRecord
	store.SafeReadDataStore(func() {
		for _, record := range store.Data.Cameras {
			toRestore = append(toRestore, *record)
		}
	})

	for _, record := range toRestore {
		if _, ok := reg.Get(record.Descriptor.ID); !ok {
			if _, err := reg.Register(record.Descriptor); err != nil {
				log.Warn(fmt.Sprintf("failed to restore camera %s: %v", record.Descriptor.ID, err))
				continue
			}
		}
		if record.Enabled && record.Running {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if _, err := manager.Open(ctx, record.Descriptor.ID); err != nil {
				log.Warn(fmt.Sprintf("failed to restart stream for camera %s: %v", record.Descriptor.ID, err))
			} else {
				log.Info(fmt.Sprintf("restored stream for camera %s", record.Descriptor.ID))
			}
			cancel()
		}
	}
}

func main() {
	log.Info("starting camera gateway")

	cfg, err := config.Load(config.ConfigFile)
	if err != nil {
		log.Warn(fmt.Sprintf("failed to load config, using defaults: %v", err))
		cfg = config.DefaultConfig()
	}

	config.InitFrameRate(cfg.FrameRate)
	config.InitDebugMode()

	if err := store.LoadDataStore(); err != nil {
		log.Error(fmt.Sprintf("failed to load data store: %v", err))
		os.Exit(1)
	}

	brokerClient := broker.NewClient(cfg.BrokerAddr)
	if err := brokerClient.Ping(); err != nil {
		log.Warn(fmt.Sprintf("lock broker unreachable at %s, local capture cameras will be unavailable: %v", cfg.BrokerAddr, err))
	}

	reg := registry.NewRegistry(config.EnvSecretProvider{}, brokerClient)
	loadConfiguredCameras(cfg, reg)

	negotiator := negotiate.NewNegotiator(reg, time.Duration(cfg.HandleTTLSecs)*time.Second)
	negotiator.Start(time.Duration(config.DefaultSweepIntervalSecs) * time.Second)

	manager := pipeline.NewManager(reg, negotiator, brokerClient)
	restorePersistedCameras(reg, manager)

	monitor := health.NewMonitor(reg,
		time.Duration(cfg.ProbeTimeoutSecs)*time.Second,
		time.Duration(cfg.ProbeIntervalSecs)*time.Second)
	monitor.Start()

	webServer := service.NewWebServer(cfg.WebPort, reg, negotiator, manager, monitor)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := webServer.Start(); err != nil {
			log.Error(fmt.Sprintf("web server error: %v", err))
			sigChan <- syscall.SIGTERM
		}
	}()

	log.Info(fmt.Sprintf("camera gateway is running on port %d", cfg.WebPort))
	<-sigChan

	log.Info("received shutdown signal, stopping")

	// Bounded shutdown: streams get the grace period, then their producers
	// are killed through the stop escalation
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	webServer.Shutdown(shutdownCtx)
	monitor.Stop()
	manager.Shutdown(shutdownTimeout)
	negotiator.Stop()

	if err := store.SaveDataStore(); err != nil {
		log.Warn(fmt.Sprintf("failed to save data store: %v", err))
	}

	log.CloseGlobal()
	fmt.Println("camera gateway stopped")
}
