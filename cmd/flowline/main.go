package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/flowline/flowline/internal/alert"
	"github.com/flowline/flowline/internal/catalog"
	"github.com/flowline/flowline/internal/clock"
	"github.com/flowline/flowline/internal/config"
	"github.com/flowline/flowline/internal/enforcement"
	"github.com/flowline/flowline/internal/entitlement"
	"github.com/flowline/flowline/internal/graceperiod"
	"github.com/flowline/flowline/internal/logger"
	"github.com/flowline/flowline/internal/migration"
	"github.com/flowline/flowline/internal/observability"
	"github.com/flowline/flowline/internal/overlimit"
	"github.com/flowline/flowline/internal/resource"
	"github.com/flowline/flowline/internal/seed"
	"github.com/flowline/flowline/internal/server"
	"github.com/flowline/flowline/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Entitlement engine
		catalog.Module,
		entitlement.Module,
		graceperiod.Module,
		resource.Module,
		overlimit.Module,
		alert.Module,
		enforcement.Module,

		// Startup schema and catalog bootstrap
		seed.Module,
		migration.Module,

		// Admin HTTP surface
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
