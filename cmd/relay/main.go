package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"depth-relay-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/relay.yaml", "配置文件路径，留空则只用默认值和环境变量")
	envFile := flag.String("env", "", "额外加载的 .env 文件")
	flag.Parse()

	c, err := container.New(*cfgPath, *envFile)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx); err != nil {
		log.Printf("relay 异常退出: %v", err)
		os.Exit(1)
	}
}
