package main

import (
	"os"

	"github.com/oremus-labs/ol-redteam/internal/redteamcli"
)

func main() {
	if err := redteamcli.Execute(); err != nil {
		os.Exit(1)
	}
}
