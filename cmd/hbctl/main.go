package main

import (
	"log"

	"github.com/spf13/cobra"

	hbcli "github.com/amirimatin/go-heartbeat/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "hbctl",
		Short:         "heartbeat and load tracking node CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	hbcli.AddAll(root)
	return root
}
