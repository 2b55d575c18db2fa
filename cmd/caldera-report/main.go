// Command caldera-report renders the history stored by internal/statsstore
// as an HTML dashboard (go-echarts) and/or a directory of PNG charts
// (gonum/plot) — a diagnostic companion to the integration harness.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/caldera-project/caldera/internal/report"
	"github.com/caldera-project/caldera/internal/security"
	"github.com/caldera-project/caldera/internal/statsstore"
)

func main() {
	var dbPath string
	var htmlPath string
	var pngDir string

	flag.StringVar(&dbPath, "db", "caldera_stats.db", "path to the statsstore sqlite database")
	flag.StringVar(&htmlPath, "html", "caldera_report.html", "output path for the HTML dashboard (empty to skip)")
	flag.StringVar(&pngDir, "png-dir", "", "output directory for PNG charts, one per series (empty to skip)")
	flag.Parse()

	store, err := statsstore.Open(dbPath)
	if err != nil {
		log.Fatalf("open statsstore %s: %v", dbPath, err)
	}
	defer store.Close()

	snaps, err := store.All()
	if err != nil {
		log.Fatalf("read snapshots: %v", err)
	}
	if len(snaps) == 0 {
		log.Fatalf("no snapshots recorded in %s", dbPath)
	}

	history := report.BuildHistory(snaps)

	if htmlPath != "" {
		if err := security.ValidateExportPath(htmlPath); err != nil {
			log.Fatalf("refusing -html path: %v", err)
		}
		f, err := os.Create(htmlPath)
		if err != nil {
			log.Fatalf("create %s: %v", htmlPath, err)
		}
		err = report.RenderHTML(history, f)
		f.Close()
		if err != nil {
			log.Fatalf("render html: %v", err)
		}
		fmt.Printf("wrote %s\n", htmlPath)
	}

	if pngDir != "" {
		if err := security.ValidateExportPath(pngDir); err != nil {
			log.Fatalf("refusing -png-dir path: %v", err)
		}
		paths, err := report.RenderPNG(history, pngDir, nil)
		if err != nil {
			log.Fatalf("render png: %v", err)
		}
		for _, p := range paths {
			fmt.Printf("wrote %s\n", p)
		}
	}

	if htmlPath == "" && pngDir == "" {
		log.Fatalf("nothing to do: both -html and -png-dir are empty")
	}
}
