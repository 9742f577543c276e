package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"daybook-sync/internal/config"
	"daybook-sync/internal/manager"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)

	m, err := manager.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := m.Start(); err != nil {
		log.Fatal(err)
	}
	log.Printf("daybook-sync: device %s (%s) listening on :%d, discovery on :%d",
		m.Identity().DeviceName, m.Identity().DeviceID, cfg.HTTPPort, cfg.DiscoveryPort)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("daybook-sync: shutting down")
	m.Stop()
}
