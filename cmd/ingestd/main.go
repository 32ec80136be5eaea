// Package main implements ingestd, the college basketball data ingestion
// command.
package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/spreadeagle/ingest-core/internal/cli"
)

func main() {
	// Local development keeps credentials in a .env file; deployed runs set
	// real environment variables and have no file to load.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[main] skipping .env: %v", err)
	}
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	if err := cli.NewRootCommand().Execute(); err != nil {
		log.Fatalf("[main] %v", err)
	}
}
