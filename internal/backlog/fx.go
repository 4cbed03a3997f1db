package backlog

import (
	"github.com/slyretail/fiscalbridge/internal/backlog/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("backlog",
	fx.Provide(repository.Provide),
)
