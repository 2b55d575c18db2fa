// Command calderad is the Caldera depth-processing backend: it loads
// configuration, assembles the sensor/pipeline/transport/control-plane/
// stats-store chain via internal/app, and runs until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/caldera-project/caldera/internal/app"
	"github.com/caldera-project/caldera/internal/config"
	"github.com/caldera-project/caldera/internal/version"
)

var (
	configPath  = flag.String("config", "", "path to a JSON config file overlaying the defaults (optional)")
	showVersion = flag.Bool("version", false, "print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("calderad %s (commit %s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("calderad: load config: %v", err)
	}

	a := app.New(cfg)
	if err := a.Start(); err != nil {
		log.Fatalf("calderad: start: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Printf("calderad: shutting down")
	if err := a.Stop(); err != nil {
		log.Fatalf("calderad: stop: %v", err)
	}
}
