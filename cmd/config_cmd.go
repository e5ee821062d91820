package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/walink/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			data, _ := yaml.Marshal(cfg)
			fmt.Print(string(data))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the config file for errors",
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := config.Load(resolveConfigPath()); err != nil {
				fmt.Fprintf(os.Stderr, "Invalid: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("Config OK:", resolveConfigPath())
		},
	})

	return cmd
}
