// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/LeeDigitalWorks/s3fanout/pkg/coordinator"
	"github.com/LeeDigitalWorks/s3fanout/pkg/logger"
	"github.com/LeeDigitalWorks/s3fanout/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a run to the task queue",
	Long: `Enqueue a run task for a delimited object and return immediately.
Workers sharing the same queue and barrier pick the run up.`,
	Run: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	f := submitCmd.Flags()
	addRunFlags(f)
	addQueueFlags(f)

	viper.BindPFlags(f)
}

func runSubmit(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("s3fanout", false)
	f := NewFlagLoader(cmd)

	req, err := loadRunRequest(f)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid run request")
	}
	qopts := loadQueueOpts(f)
	if qopts.Backend == "" || qopts.Backend == "memory" {
		logger.Fatal().Msg("submit needs a shared queue backend (mysql or postgres); use `run` for local runs")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	queue, err := openQueue(ctx, qopts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open task queue")
	}
	defer queue.Close()

	runID, err := coordinator.Submit(ctx, queue, req)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to submit run")
	}

	logger.Info().
		Str("run_id", runID).
		Str("bucket", req.Locator.Bucket).
		Str("key", req.Locator.Key).
		Msg("run initiated")

	json.NewEncoder(os.Stdout).Encode(map[string]string{
		"run_id": runID,
		"status": "initiated",
	})
}
