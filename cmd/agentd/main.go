package main

import (
	"fmt"
	"os"

	"github.com/xpc123/agenic-chatBot-sub001/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
