package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ceyewan/courier/bootstrap"
	"github.com/ceyewan/courier/gateway"
	gatewayconfig "github.com/ceyewan/courier/gateway/config"
	"github.com/ceyewan/courier/worker"
)

func main() {
	var module string
	flag.StringVar(&module, "module", "", "assign run module: gateway, worker, init")
	flag.Parse()

	if module == "" {
		fmt.Println("error: module param required! Available: gateway, worker, init")
		os.Exit(1)
	}

	fmt.Printf("🚀 Starting Courier %s service...\n", module)

	// 各个组件负责自己的配置加载
	switch module {
	case "gateway":
		cfg, err := gatewayconfig.Load()
		if err != nil {
			fmt.Printf("❌ Failed to load gateway config: %v\n", err)
			os.Exit(1)
		}
		g, err := gateway.New(cfg)
		if err != nil {
			fmt.Printf("❌ Failed to start gateway: %v\n", err)
			os.Exit(1)
		}
		runUntilSignal(g.Run, g.Close)

	case "worker":
		cfg, err := worker.Load()
		if err != nil {
			fmt.Printf("❌ Failed to load worker config: %v\n", err)
			os.Exit(1)
		}
		w, err := worker.New(cfg)
		if err != nil {
			fmt.Printf("❌ Failed to start worker: %v\n", err)
			os.Exit(1)
		}
		runUntilSignal(w.Run, func() { _ = w.Close() })

	case "init":
		if err := bootstrap.Run(); err != nil {
			fmt.Printf("❌ Database initialization failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✅ Database initialization completed")

	default:
		fmt.Printf("❌ Unknown module: %s\n", module)
		fmt.Println("Available modules: gateway, worker, init")
		os.Exit(1)
	}
}

// runUntilSignal 在后台运行服务，收到退出信号后执行优雅关闭
func runUntilSignal(run func() error, shutdown func()) {
	errCh := make(chan error, 1)
	go func() { errCh <- run() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	select {
	case err := <-errCh:
		if err != nil {
			fmt.Printf("❌ Service error: %v\n", err)
			shutdown()
			os.Exit(1)
		}
	case <-quit:
	}

	shutdown()
	fmt.Println("👋 Service exiting")
}
