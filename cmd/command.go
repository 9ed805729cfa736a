// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/LeeDigitalWorks/s3fanout/pkg/logger"
	"github.com/LeeDigitalWorks/s3fanout/pkg/utils"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "s3fanout",
	Short: "s3fanout - partitioned processing of large delimited objects",
	Long: `s3fanout validates the header of a large delimited object in S3,
splits it into byte ranges, and processes every range as an independent
task. A barrier fires a single finalize task once every range has reported.`,
	PersistentPreRun: initializeLogging,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
	rootCmd.PersistentFlags().String("log_level", "info", "Log level (trace, debug, info, warn, error, fatal)")
}

func initializeLogging(cmd *cobra.Command, args []string) {
	level, _ := cmd.Flags().GetString("log_level")
	if err := logger.ParseAndSetLevel(level); err != nil {
		logger.Warn().Err(err).Str("log_level", level).Msg("ignoring invalid log level")
	}
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
