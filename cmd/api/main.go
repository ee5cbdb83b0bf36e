// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package apicmd

import (
	"context"
	"net/http"
	"time"

	"github.com/dlmiddlecote/sqlstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	"github.com/simonsobs/librarian/internal/api/peerv1"
	uploadapi "github.com/simonsobs/librarian/internal/api/upload"
	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/processor"
)

// AddCommandTo mounts this command into the command hierarchy.
func AddCommandTo(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Run the librarian HTTP server (ingest + peer RPC).",
		Long:  "Run the librarian HTTP server. Configuration is read from LIBRARIAN_CONFIG_PATH and the LIBRARIAN_DB_* environment variables. Background tasks are NOT scheduled here; run `librarian server janitor` for those.",
		Args:  cobra.NoArgs,
		Run:   run,
	}
	parent.AddCommand(cmd)
}

func run(cmd *cobra.Command, args []string) {
	cfg := librarian.ParseConfiguration()

	db := must.Return(librarian.InitDB(cfg.DatabaseURL))
	must.Succeed(db.ApplyServerConfig(cfg))
	prometheus.MustRegister(sqlstats.NewStatsCollector("librarian", db.DbMap.Db))

	stores := librarian.NewStoreSet(db)
	proc := processor.New(cfg, db, stores, librarian.LogNotificationSink{})

	handler := httpapi.Compose(
		peerv1.NewAPI(cfg, db, proc),
		uploadapi.NewAPI(cfg, db, proc),
		httpapi.HealthCheckAPI{SkipRequestLog: true, Check: db.Db.Ping},
	)
	http.Handle("/", handler)
	http.Handle("/metrics", promhttp.Handler())

	ctx := httpext.ContextWithSIGINT(context.Background(), 10*time.Second)
	listenAddress := cfg.Server.ListenAddress
	if listenAddress == "" {
		listenAddress = osext.GetenvOrDefault("LIBRARIAN_API_LISTEN_ADDRESS", ":8080")
	}
	must.Succeed(httpext.ListenAndServeContext(ctx, listenAddress, nil))
}
