package main

import (
	"fmt"
	"os"

	"github.com/rustyguts/mediaplane/store"
)

// runCLI handles subcommand execution. Returns true if a subcommand was
// handled (the process should exit without starting the server).
func runCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("mediaplane server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	n, err := st.TotalEvents()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading events: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Recorded events: %d\n", n)
	fmt.Printf("Version: %s\n", Version)
	return true
}
