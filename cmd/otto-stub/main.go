package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"otto/internal/shared/logging"
	"otto/internal/stub"
)

func main() {
	addr := flag.String("addr", ":8420", "listen address")
	steps := flag.Int("steps", 3, "steps per simulated task")
	stepDelay := flag.Duration("step-delay", 500*time.Millisecond, "delay per simulated step")
	autoApprove := flag.Bool("auto-approve", false, "skip the approval gate")
	flag.Parse()

	logger := logging.NewComponentLogger("Stub")

	server := stub.NewServer(stub.ServerConfig{
		Addr: *addr,
		Simulator: stub.SimulatorConfig{
			Steps:       *steps,
			StepDelay:   *stepDelay,
			AutoApprove: *autoApprove,
		},
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "stub: %v\n", err)
			os.Exit(1)
		}
	case <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "stub: shutdown: %v\n", err)
			os.Exit(1)
		}
	}
}
