package main

import (
	"os"

	"mahoyaAPI/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
