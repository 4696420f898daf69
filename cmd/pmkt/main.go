// Package main is the single-binary entrypoint for pmkt.
// pmkt runs a proof-computation task marketplace: clients escrow a price,
// miners stake collateral, proofs settle the escrow.
package main

import "github.com/proofmarket/pmkt/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
