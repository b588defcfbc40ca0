//go:build integration

// Package testkit 集成测试用的容器启动工具（go test -tags integration）
package testkit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Start 起一个容器，返回 host:port；测试结束自动销毁
func Start(t *testing.T, image, port string, env map[string]string, cmd ...string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{port + "/tcp"},
		Env:          env,
		Cmd:          cmd,
		WaitingFor:   wait.ForListeningPort(port + "/tcp").WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start %s: %v", image, err)
	}
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("terminate %s: %v", image, err)
		}
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	mp, err := c.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	return fmt.Sprintf("%s:%s", host, mp.Port())
}

func Redis(t *testing.T) string { return Start(t, "redis:7-alpine", "6379", nil) }

func Mongo(t *testing.T) string { return Start(t, "mongo:6", "27017", nil) }

func Nats(t *testing.T) string { return Start(t, "nats:2.10-alpine", "4222", nil, "-js") }

// Postgres 返回 DSN
func Postgres(t *testing.T) string {
	addr := Start(t, "postgres:16-alpine", "5432", map[string]string{
		"POSTGRES_DB":       "imcore",
		"POSTGRES_USER":     "imcore",
		"POSTGRES_PASSWORD": "imcore",
	})
	return fmt.Sprintf("postgres://imcore:imcore@%s/imcore?sslmode=disable", addr)
}
