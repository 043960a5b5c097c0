package main

import (
	"context"
	"fmt"
	"os"

	"github.com/t77yq/jobscheduler/internal/cli"
)

func main() {
	if err := cli.BuildCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
