package pool

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/parxlib/parx/pkg/log"
)

type httpServer struct {
	echo *echo.Echo
}

func httpLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		log.Tracef("%4s %s %v", c.Request().Method, c.Request().URL, c.Response().Status)
		return err
	}
}

// Serve pool status over HTTP. Exposes Prometheus style metrics and a JSON
// worker roster.
func newHTTPServer(pool *Pool, address string) (*httpServer, error) {
	r := echo.New()
	r.HideBanner = true
	r.HidePort = true
	r.Use(httpLogger)

	r.GET("/metrics", func(c echo.Context) error {
		stats := pool.Statistics()

		metrics := fmt.Sprintln("# TYPE parx_pool_workers gauge")
		metrics += fmt.Sprintln("# HELP parx_pool_workers The number of workers currently alive.")
		metrics += fmt.Sprintf("parx_pool_workers %d\n", stats.WorkersStarting+stats.WorkersIdle+stats.WorkersBusy)

		metrics += fmt.Sprintln("# TYPE parx_pool_workers_idle gauge")
		metrics += fmt.Sprintln("# HELP parx_pool_workers_idle The number of workers currently idle.")
		metrics += fmt.Sprintf("parx_pool_workers_idle %d\n", stats.WorkersIdle)

		metrics += fmt.Sprintln("# TYPE parx_pool_tasks_pending gauge")
		metrics += fmt.Sprintln("# HELP parx_pool_tasks_pending The number of tasks waiting for a worker.")
		metrics += fmt.Sprintf("parx_pool_tasks_pending %d\n", stats.TasksPending)

		metrics += fmt.Sprintln("# TYPE parx_pool_tasks_running gauge")
		metrics += fmt.Sprintln("# HELP parx_pool_tasks_running The number of tasks currently executing.")
		metrics += fmt.Sprintf("parx_pool_tasks_running %d\n", stats.TasksRunning)

		metrics += fmt.Sprintln("# TYPE parx_pool_tasks_completed_total counter")
		metrics += fmt.Sprintln("# HELP parx_pool_tasks_completed_total The total number of fulfilled tasks.")
		metrics += fmt.Sprintf("parx_pool_tasks_completed_total %d\n", stats.TasksCompleted)

		metrics += fmt.Sprintln("# TYPE parx_pool_tasks_failed_total counter")
		metrics += fmt.Sprintln("# HELP parx_pool_tasks_failed_total The total number of failed tasks.")
		metrics += fmt.Sprintf("parx_pool_tasks_failed_total %d\n", stats.TasksFailed)

		metrics += fmt.Sprintln("# TYPE parx_pool_tasks_cancelled_total counter")
		metrics += fmt.Sprintln("# HELP parx_pool_tasks_cancelled_total The total number of cancelled tasks.")
		metrics += fmt.Sprintf("parx_pool_tasks_cancelled_total %d\n", stats.TasksCancelled)

		metrics += fmt.Sprintln("# TYPE parx_pool_cache_hits_total counter")
		metrics += fmt.Sprintln("# HELP parx_pool_cache_hits_total The total number of result cache hits.")
		metrics += fmt.Sprintf("parx_pool_cache_hits_total %d\n", stats.Cache.Hits)

		metrics += fmt.Sprintln("# TYPE parx_pool_cache_misses_total counter")
		metrics += fmt.Sprintln("# HELP parx_pool_cache_misses_total The total number of result cache misses.")
		metrics += fmt.Sprintf("parx_pool_cache_misses_total %d\n", stats.Cache.Misses)

		return c.String(http.StatusOK, metrics)
	})

	r.GET("/api/v1/workers", func(c echo.Context) error {
		return c.JSON(http.StatusOK, pool.Workers())
	})

	r.GET("/api/v1/statistics", func(c echo.Context) error {
		return c.JSON(http.StatusOK, pool.Statistics())
	})

	server := &httpServer{echo: r}

	go func() {
		if err := r.Start(address); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
		}
	}()

	return server, nil
}

func (s *httpServer) Shutdown(ctx context.Context) {
	if err := s.echo.Shutdown(ctx); err != nil {
		log.Debugf("http shutdown: %v", err)
	}
}
