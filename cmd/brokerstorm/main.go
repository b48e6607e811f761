package main

import (
	"os"

	"brokerstorm/cmd/brokerstorm/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
