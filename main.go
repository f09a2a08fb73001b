package main

import (
	"fmt"
	"os"

	"github.com/handleui/mend/cmd"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mend: %v\n", err)
		return 1
	}
	return 0
}
