package main

import (
	"os"

	"github.com/LENAX/pipeline-engine/pkg/cli/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
