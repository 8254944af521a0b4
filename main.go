package main

import (
	"os"

	"github.com/snapp-incubator/frl-proxy/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
