package main

import (
	"github.com/octatecode/collabmesh/internal/command"
	"github.com/octatecode/collabmesh/internal/logging"
)

func main() {
	logging.Init()
	command.Execute()
}
