package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cam-gateway/broker"
	"cam-gateway/common/config"
	"cam-gateway/common/log"
)

func main() {
	addr := config.DefaultBrokerAddr
	if v := os.Getenv("BROKER_ADDR"); v != "" {
		addr = v
	}

	log.Info(fmt.Sprintf("starting lock broker on %s", addr))

	server := broker.NewServer(time.Duration(config.DefaultHeartbeatWindowSecs) * time.Second)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.ListenAndServe(addr)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			log.Error(fmt.Sprintf("lock broker failed: %v", err))
			log.CloseGlobal()
			os.Exit(1)
		}
	case <-sigChan:
		log.Info("received shutdown signal, stopping")
		server.Shutdown()
	}

	log.CloseGlobal()
	fmt.Println("lock broker stopped")
}
