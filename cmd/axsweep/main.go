// Command axsweep sweeps the approximation space of annotated C kernels:
// it enumerates relaxation variants, compiles and simulates each one, and
// records error metrics in a per-kernel ledger.
//
// Usage:
//
//	axsweep validate
//	axsweep run kinematics --workers 8
//	axsweep report kinematics --filter 'status=success metric.rmse<0.01'
package main

import (
	"fmt"
	"os"

	"github.com/axlab/axsweep/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
