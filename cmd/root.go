package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/services/eventflo/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "eventflo",
	Short: "Event classification pipeline",
	Long: `EventFlo ingests business events over HTTP, classifies each one by
severity and records the outcome while tracking every event through its lifecycle.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			log.Error().Err(err).Msg("Failed to display help")
		}
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(func() {
		if cfgFile != "" {
			config.SetConfigFile(cfgFile)
		}
	})
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}
