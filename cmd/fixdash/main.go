package main

import (
	"flag"
	"fmt"
	"os"

	"fixpoint/internal/config"
	"fixpoint/internal/dashboard"
)

func main() {
	configPath := flag.String("config", "fixpoint.yaml", "path to the loop's config file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fixdash [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Fixdash is a read-only dashboard for a fixpoint loop. It polls the\n")
		fmt.Fprintf(os.Stderr, "loop's lock, status and history files and never touches the target.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fixdash: %v\n", err)
		os.Exit(1)
	}
	if err := dashboard.Run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "fixdash: %v\n", err)
		os.Exit(1)
	}
}
