// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"workflow-platform/internal/app/worker"
	"workflow-platform/internal/workflow/store"
	"workflow-platform/pkg/config"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "wfworker",
		Short: "Durable workflow engine worker",
		Long: `wfworker 认领工作流执行并驱动到终态：
tool 步骤经网关流式调用，code 步骤在沙箱内运行，
sleep / wait_for_signal 挂起后由调度器按时唤醒。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/worker.yaml", "配置文件路径")

	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "输出 Postgres 建表 SQL",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(store.Schema)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "输出版本信息",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wfworker %s\n", version)
		},
	})

	return cmd
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	app, err := worker.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	if err := app.Start(); err != nil {
		return fmt.Errorf("启动应用失败: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		return fmt.Errorf("关闭应用失败: %w", err)
	}
	fmt.Println("应用已关闭")
	return nil
}
