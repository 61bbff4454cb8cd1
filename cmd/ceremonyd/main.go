package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	ceremonycli "github.com/drand/ceremony/internal/ceremony-cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := ceremonycli.CLI()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Printf("%+v\n", err)
		stop()
		os.Exit(1)
	}
}
