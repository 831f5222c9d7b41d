// Package autoload initializes the global logger from the environment as a
// side effect of being imported. Import it blank from main.
package autoload

import (
	configx "github.com/lumora/concierge/pkg/config"
	logx "github.com/lumora/concierge/pkg/logger"
)

func init() {
	cfg := configx.MustNew[logx.Config]("LOG")
	logx.Init(*cfg)
}
