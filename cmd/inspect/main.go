package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"indexstore/pkg/inspect"
	"indexstore/pkg/primitives"
)

func main() {
	dataDir := flag.String("data", "./data", "relation data directory")
	rel := flag.Uint("rel", 0, "relation id to inspect")
	flag.Parse()

	if *rel == 0 {
		fmt.Fprintln(os.Stderr, "usage: inspect -data <dir> -rel <id>")
		os.Exit(2)
	}

	reader, err := inspect.Open(*dataDir, primitives.RelID(*rel))
	if err != nil {
		log.Fatalf("failed to open relation: %v", err)
	}
	defer reader.Close()

	p := tea.NewProgram(inspect.NewModel(reader), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("failed to run inspector: %v", err)
	}
}
