// Command cortex-server runs the Cortex memory service.
//
// Configuration is read from the environment (a .env file is honored); see
// core.LoadConfigFromEnv for the recognized variables.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cortex-mem/cortex-go/pkg/core"
	"github.com/cortex-mem/cortex-go/pkg/server"
)

func main() {
	config, err := core.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	client, err := core.NewClient(config)
	if err != nil {
		log.Fatalf("init client: %v", err)
	}
	defer client.Close()

	if len(config.Server.APIKeys) == 0 {
		log.Fatal("no API keys configured; set API_KEYS (token=user,...)")
	}
	auth := server.NewStaticKeyAuthenticator(config.Server.APIKeys)

	srv := server.New(client, auth, &config.Server)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server: %v", err)
		}
	case sig := <-stop:
		log.Printf("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}
