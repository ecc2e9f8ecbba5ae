package main

import (
	"context"
	"os"

	"goa.design/clue/log"
)

func main() {
	ctx := log.Context(context.Background())
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
