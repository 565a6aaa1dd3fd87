package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// main 是 reflexion 命令行工具的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(os.Stdout, os.Stderr)
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatalf("reflexion 运行失败: %v", err)
	}
}
