package fiscal

import (
	"github.com/slyretail/fiscalbridge/internal/fiscal/day"
	"github.com/slyretail/fiscalbridge/internal/fiscal/gateway"
	"github.com/slyretail/fiscalbridge/internal/fiscal/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("fiscal",
	fx.Provide(repository.ProvideDevices),
	fx.Provide(repository.ProvideDays),
	fx.Provide(gateway.NewClient),
	fx.Provide(day.NewService),
)
