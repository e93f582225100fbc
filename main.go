package main

import (
	"os"
	_ "time/tzdata" // POS machines often lack a zoneinfo database

	"github.com/katasec/dstream-probe/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
