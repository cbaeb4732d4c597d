// Command brcluster drives the distributed Berger-Rigoutsos clustering
// engine over an in-process simulated MPI communicator: enough ranks to
// exercise the real dendogram protocol without a real MPI runtime.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "brcluster",
		Short: "Distributed Berger-Rigoutsos box clustering over a simulated MPI communicator",
	}
	root.AddCommand(newClusterCmd())
	root.AddCommand(newGenerateCmd())
	return root
}
