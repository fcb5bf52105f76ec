package lua

import "github.com/pokemon-ai/multirunner/runner"

func init() {
	runner.RegisterEngine(Name, func(cfg runner.Config) (runner.Engine, error) {
		return New(cfg.Lua)
	})
}
