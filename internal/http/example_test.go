package http_test

import (
	"context"
	"fmt"
	"time"

	httpserver "github.com/fyrsmithlabs/turnd/internal/http"
	"github.com/fyrsmithlabs/turnd/internal/logging"
	"github.com/fyrsmithlabs/turnd/internal/oracle"
	"github.com/fyrsmithlabs/turnd/internal/orchestrator"
	"github.com/fyrsmithlabs/turnd/internal/store"
)

// ExampleServer demonstrates how to create and start the HTTP server.
func ExampleServer() {
	st := store.NewMemory()
	logger := logging.NewNop()

	model := oracle.Func(func(ctx context.Context, req oracle.Request) (string, error) {
		return "Tell me more.", nil
	})

	engine, err := orchestrator.New(orchestrator.Options{}, orchestrator.Deps{
		Store:  st,
		Oracle: model,
		Logger: logger,
	})
	if err != nil {
		panic(err)
	}

	server, err := httpserver.NewServer(engine, st, logger, &httpserver.Config{
		Host:         "localhost",
		Port:         0,
		HistoryLimit: 50,
	})
	if err != nil {
		panic(err)
	}

	go func() {
		_ = server.Start()
	}()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		fmt.Println("shutdown error:", err)
	}
	if err := engine.Close(ctx); err != nil {
		fmt.Println("close error:", err)
	}

	fmt.Println("Server started and stopped successfully")
	// Output: Server started and stopped successfully
}
