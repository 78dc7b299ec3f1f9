package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/pixiesketch/platform/internal/clock"
	"github.com/pixiesketch/platform/internal/config"
	"github.com/pixiesketch/platform/internal/logger"
	"github.com/pixiesketch/platform/internal/migration"
	obsmetrics "github.com/pixiesketch/platform/internal/observability/metrics"
	"github.com/pixiesketch/platform/internal/server"
	"github.com/pixiesketch/platform/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		obsmetrics.Module,
		migration.Module,
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
