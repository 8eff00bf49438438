// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/foreman/internal/version"
)

var (
	serverURL  string
	reqTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:     "foreman",
	Short:   "Foreman CLI - talk to the foreman server",
	Long:    `Foreman CLI - send messages to the orchestrator, manage agents and tickets, and watch the live event stream.`,
	Version: version.Get(),
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8420", "Foreman server URL")
	rootCmd.PersistentFlags().DurationVar(&reqTimeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(messageCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(ticketsCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var messageCmd = &cobra.Command{
	Use:   "message <text>",
	Short: "Send a message to the orchestrator",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := apiDo(http.MethodPost, "/message", map[string]string{"text": args[0]}, nil); err != nil {
			fail(err)
		}
		fmt.Println("Accepted.")
	},
}

// apiDo issues one JSON request against the server and decodes the response
// into out (if non-nil). Non-2xx responses surface the server's error field.
func apiDo(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	url := strings.TrimRight(serverURL, "/") + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: reqTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach server at %s: %w", serverURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	fmt.Fprintf(os.Stderr, "\nMake sure the server is running:\n  foremand serve\n")
	os.Exit(1)
}
