// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command lifeline starts the LifelineLocal crisis service and hosts the
// operational tooling around it.
//
// # Environment Variables
//
//   - LIFELINE_PORT: HTTP server port (default: 12310)
//   - LIFELINE_DATA_DIR: Badger store directory (empty: in-memory)
//   - LIFELINE_ESCALATION_LOG: escalation audit JSONL path
//   - LIFELINE_MAX_SESSIONS: concurrent session ceiling (default: 1000)
//   - LIFELINE_LOG_DIR: structured log file directory (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//
// # Usage
//
//	# Build
//	go build -o lifeline ./cmd/lifeline
//
//	# Run the server
//	./lifeline serve
//
//	# Validate a running server under synthetic load
//	./lifeline loadcheck --target ws://localhost:12310 --sessions 1000
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/LifelineLocal/pkg/logging"
	"github.com/AleutianAI/LifelineLocal/services/crisis"
)

var (
	servePort     int
	serveDataDir  string
	serveGinMode  string
	checkTarget   string
	checkFallback string
	checkSessions int
	checkMessages int
	checkParallel int
	checkTimeout  time.Duration

	rootCmd = &cobra.Command{
		Use:   "lifeline",
		Short: "A crisis session and message delivery service",
		Long: `Lifeline runs the crisis-line backend: session management,
ordered message delivery with retry, and emergency escalation.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the crisis HTTP/WebSocket server",
		RunE:  runServe,
	}

	loadcheckCmd = &cobra.Command{
		Use:   "loadcheck",
		Short: "Validate a running server under synthetic session load",
		RunE:  runLoadcheck,
	}
)

func main() {
	// Redacting structured logs for every subcommand; transcript
	// payloads never reach the log stream.
	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  os.Getenv("LIFELINE_LOG_DIR"),
		Service: "lifeline",
		JSON:    true,
	})
	defer logger.Close()
	logger.SetDefault()

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", getEnvInt("LIFELINE_PORT", 12310),
		"HTTP server port")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", os.Getenv("LIFELINE_DATA_DIR"),
		"Badger store directory (empty: in-memory)")
	serveCmd.Flags().StringVar(&serveGinMode, "gin-mode", getEnvString("GIN_MODE", "release"),
		"Gin framework mode (debug, release, test)")

	loadcheckCmd.Flags().StringVar(&checkTarget, "target", "ws://localhost:12310",
		"WebSocket base URL of the server under test")
	loadcheckCmd.Flags().StringVar(&checkFallback, "fallback", "",
		"secondary WebSocket base URL tried when the target is down")
	loadcheckCmd.Flags().IntVar(&checkSessions, "sessions", 1000,
		"number of synthetic sessions")
	loadcheckCmd.Flags().IntVar(&checkMessages, "messages", 5,
		"messages sampled per session")
	loadcheckCmd.Flags().IntVar(&checkParallel, "concurrency", 100,
		"parallel session ceiling")
	loadcheckCmd.Flags().DurationVar(&checkTimeout, "session-timeout", 5*time.Second,
		"budget for one synthetic session")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loadcheckCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := crisis.Config{
		Port:                servePort,
		DataDir:             serveDataDir,
		EscalationAuditPath: getEnvString("LIFELINE_ESCALATION_LOG", "./logs/escalations.jsonl"),
		OTelEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MaxSessions:         getEnvInt("LIFELINE_MAX_SESSIONS", 1000),
		GinMode:             serveGinMode,
	}

	slog.Info("Starting lifeline",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"max_sessions", cfg.MaxSessions,
	)

	svc, err := crisis.New(cfg, nil)
	if err != nil {
		return err
	}
	return svc.Run()
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
