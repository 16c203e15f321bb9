package main

import (
	"os"

	"github.com/kebairia/stackback/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
