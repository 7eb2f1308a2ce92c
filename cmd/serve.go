package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lvdashuaibi/littlegate/config"
	"github.com/lvdashuaibi/littlegate/internal/api/graph"
	"github.com/lvdashuaibi/littlegate/internal/api/rest"
	intkafka "github.com/lvdashuaibi/littlegate/internal/kafka"
)

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动HTTP服务、审计消费者和账本清理任务",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "覆盖配置中的监听端口")
	return cmd
}

func runServe(cfg *config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// 审计消费者
	if cfg.Kafka.Enabled {
		consumer, err := intkafka.NewConsumer()
		if err != nil {
			return fmt.Errorf("初始化Kafka消费者失败: %w", err)
		}
		consumer.StartConsuming(a.gate.ProcessOutcomeEvent)
		defer consumer.Stop()
		logrus.Info("Kafka消费者已启动")
	}

	// 只有持锁实例执行清理
	pruner, err := a.pruner()
	if err != nil {
		return err
	}
	if pruner != nil {
		pruner.Start()
		defer pruner.Stop()
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	graphqlServer := graph.NewGraphQLServer(a.reporter)
	api := rest.NewServer(a.gate, graphqlServer.Handler(), cfg.GraphQL.Path)
	api.Router().GET(cfg.GraphQL.Path+"/playground", gin.WrapH(graph.PlaygroundHandler(cfg.GraphQL.Path)))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", srv.Addr).Info("Little Gate 服务已启动")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logrus.WithField("signal", sig.String()).Info("正在关闭服务...")
	case err := <-errCh:
		return fmt.Errorf("HTTP服务异常退出: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("关闭HTTP服务失败: %w", err)
	}
	return nil
}
