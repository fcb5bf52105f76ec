package cmd

// Engines linked into the binary.
import (
	_ "github.com/pokemon-ai/multirunner/runner/engine/exec"
	_ "github.com/pokemon-ai/multirunner/runner/engine/lua"
)
