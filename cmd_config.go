package main

import (
	"github.com/go-i2p/go-shield/lib/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.NewShieldConfigFromViper(); err != nil {
				return err
			}
			out, err := yaml.Marshal(viper.AllSettings())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
