// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package janitorcmd

import (
	"context"
	"net/http"
	"time"

	"github.com/dlmiddlecote/sqlstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/processor"
	"github.com/simonsobs/librarian/internal/tasks"
)

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Run the librarian background tasks.",
		Long:  "Run the librarian background tasks. The task set is read from LIBRARIAN_BACKGROUND_CONFIG_PATH; each configured task instance runs in its own cooperative worker. This process may run next to `librarian server api` or on its own.",
		Args:  cobra.NoArgs,
		Run:   run,
	}
	parent.AddCommand(cmd)
}

func run(cmd *cobra.Command, args []string) {
	cfg := librarian.ParseConfiguration()
	bgCfg := must.Return(librarian.LoadBackgroundConfig(osext.MustGetenv("LIBRARIAN_BACKGROUND_CONFIG_PATH")))

	db := must.Return(librarian.InitDB(cfg.DatabaseURL))
	must.Succeed(db.ApplyServerConfig(cfg))
	prometheus.MustRegister(sqlstats.NewStatsCollector("librarian", db.DbMap.Db))

	stores := librarian.NewStoreSet(db)
	sink := librarian.LogNotificationSink{}
	proc := processor.New(cfg, db, stores, sink)
	janitor := tasks.NewJanitor(cfg, db, stores, proc, sink)

	ctx := httpext.ContextWithSIGINT(context.Background(), 10*time.Second)

	// start one cooperative worker per configured task instance
	for _, job := range janitor.Jobs(bgCfg, nil) {
		go job.Run(ctx, jobloop.NumGoroutines(1))
	}

	// HTTP server for Prometheus metrics and the health check
	handler := httpapi.Compose(httpapi.HealthCheckAPI{SkipRequestLog: true, Check: db.Db.Ping})
	http.Handle("/", handler)
	http.Handle("/metrics", promhttp.Handler())
	listenAddress := osext.GetenvOrDefault("LIBRARIAN_JANITOR_LISTEN_ADDRESS", ":8081")
	must.Succeed(httpext.ListenAndServeContext(ctx, listenAddress, nil))
}
