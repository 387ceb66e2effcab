package main

import (
	"os"

	"github.com/go-i2p/go-shield/lib/config"
	"github.com/go-i2p/logger"
	"github.com/spf13/cobra"
)

var log = logger.GetGoI2PLogger()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "go-shield",
		Short:         "DoS-resistant UDP session handshake node",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.InitConfig()
		},
	}
	root.PersistentFlags().StringVar(&config.CfgFile, "config", "", "config file (default $HOME/.go-shield/config.yaml)")
	root.AddCommand(newServeCmd(), newKeygenCmd(), newConfigCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Error("go-shield failed")
		os.Exit(1)
	}
}
