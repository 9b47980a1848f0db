package main

import (
	"os"

	"github.com/fabrice-guiot/shuttersense/internal/agent/cli"
)

func main() {
	os.Exit(cli.Execute())
}
