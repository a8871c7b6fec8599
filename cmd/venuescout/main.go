package main

import (
	"context"
	"os/signal"
	"syscall"

	"venuescout/cmd/venuescout/commands"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	commands.ExecuteContext(ctx)
}
