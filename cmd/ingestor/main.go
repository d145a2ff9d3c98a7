package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"billing-report-ingestor/cmd/ingestor/cmd"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: cannot load .env: %v\n", err)
	}

	cmd.SetVersionInfo(version, commit, date)
	os.Exit(cmd.Execute())
}
