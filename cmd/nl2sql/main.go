// Package main is the entry point for the nl2sql CLI.
//
// Usage:
//
//	nl2sql [flags] <command> [args]
//
// Commands:
//
//	train    - Train the parser and keep the best checkpoint
//	eval     - Evaluate a checkpoint on a split
//	runs     - List runs with a best checkpoint
//	config   - Show or initialize configuration
//	version  - Show version information
//
// A .env file in the working directory is loaded first; it may set
// ORT_LIBRARY_PATH and the AWS credentials used for S3 results.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/haivivi/nl2sql/cmd/nl2sql/commands"
)

func main() {
	_ = godotenv.Load()
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
