// Command qlcsim serves a fake QLC+ desk for trying the bridge without hardware.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lawnchairsociety/qlcbridge/internal/logger"
	"github.com/lawnchairsociety/qlcbridge/internal/simulator"
)

func main() {
	addr := flag.String("addr", ":9999", "Address to listen on")
	deskFile := flag.String("desk", "", "Path to desk layout YAML file (default: built-in demo desk)")
	username := flag.String("username", "", "Require HTTP Basic credentials with this username")
	password := flag.String("password", "", "Password for -username")
	loggingConfig := flag.String("logging", "data/qlcbridge.yaml", "Path to a YAML file with a logging block")
	flag.Parse()

	logConfig, _ := logger.LoadConfig(*loggingConfig)
	if err := logger.Initialize(logConfig); err != nil {
		log.Printf("Failed to initialize file logging: %v", err)
	}

	desk := simulator.DefaultDesk()
	if *deskFile != "" {
		d, err := simulator.LoadDesk(*deskFile)
		if err != nil {
			log.Fatalf("Failed to load desk: %v", err)
		}
		desk = d
	}

	var opts []simulator.Option
	if *username != "" || *password != "" {
		opts = append(opts, simulator.WithCredentials(*username, *password))
	}
	sim := simulator.New(desk, opts...)

	go func() {
		if err := sim.ListenAndServe(*addr); err != nil {
			log.Fatalf("Simulator error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down simulator", "frames", len(sim.Received()), "unknown", len(desk.Unknown()))
	sim.Close()
}
