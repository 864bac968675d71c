// Package ops serves the operational HTTP surface: health, metrics,
// pipeline inspection, manual retries and API-source message intake.
package ops

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/pipeline"
	"github.com/zulandar/switchboard/internal/queue"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the ops server.
type StartOpts struct {
	DB       *gorm.DB
	Pipeline *pipeline.Pipeline
	Queue    *queue.Queue
	Port     int
	Logger   logging.Logger
	Out      io.Writer
}

// NewRouter builds the gin engine with every ops route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("ops: db is required")
	}
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("ops: pipeline is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("ops: queue is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &handlers{
		db:  opts.DB,
		p:   opts.Pipeline,
		q:   opts.Queue,
		log: opts.Logger,
	})
	return router, nil
}

// Start launches the ops HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8090
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Ops server listening on :%d\n", opts.Port)
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops: %w", err)
	}
	return nil
}
