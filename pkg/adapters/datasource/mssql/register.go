package mssql

import (
	"context"

	"github.com/lumenbi/lumen-engine/pkg/adapters/datasource"
	"github.com/lumenbi/lumen-engine/pkg/models"
)

func init() {
	datasource.Register(datasource.Registration{
		Info: datasource.AdapterInfo{
			Dialect:     models.DialectSQLServer,
			DisplayName: "Microsoft SQL Server",
		},
		Dialect: Dialect,
		Factory: func(ctx context.Context, config map[string]string) (datasource.Adapter, error) {
			cfg, err := FromMap(config)
			if err != nil {
				return nil, err
			}
			return NewAdapter(ctx, cfg)
		},
	})
}
