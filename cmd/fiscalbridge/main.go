package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/slyretail/fiscalbridge/internal/backlog"
	"github.com/slyretail/fiscalbridge/internal/config"
	"github.com/slyretail/fiscalbridge/internal/fiscal"
	"github.com/slyretail/fiscalbridge/internal/migration"
	"github.com/slyretail/fiscalbridge/internal/normalize"
	"github.com/slyretail/fiscalbridge/internal/observability"
	"github.com/slyretail/fiscalbridge/internal/pipeline"
	"github.com/slyretail/fiscalbridge/internal/ratelimit"
	"github.com/slyretail/fiscalbridge/internal/sale"
	"github.com/slyretail/fiscalbridge/internal/server"
	"github.com/slyretail/fiscalbridge/internal/tenant"
	"github.com/slyretail/fiscalbridge/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,

		tenant.Module,
		sale.Module,
		backlog.Module,
		fiscal.Module,
		normalize.Module,
		ratelimit.Module,
		pipeline.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
