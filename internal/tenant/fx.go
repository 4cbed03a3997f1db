package tenant

import (
	"github.com/slyretail/fiscalbridge/internal/tenant/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("tenant",
	fx.Provide(repository.Provide),
)
