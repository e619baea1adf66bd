package main

import (
	"github.com/broodlabs/brood/internal/cli"
	"github.com/broodlabs/brood/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
