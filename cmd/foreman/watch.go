// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teradata-labs/foreman/pkg/client"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch live server state",
	Long:  `Follow the server's event stream through the reconciliation mirror and print state as it changes. Reconnects and resyncs automatically.`,
	Run:   runWatch,
}

func runWatch(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mirror := client.NewMirror()
	mirror.Subscribe(func() { printState(mirror) })

	watcher, err := client.NewWatcher(client.WatcherConfig{
		BaseURL: serverURL,
		Mirror:  mirror,
		Logger:  zap.NewNop(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", serverURL)
	<-ctx.Done()
	fmt.Println("\nStopped.")
}

func printState(m *client.Mirror) {
	orchStatus := "unknown"
	if orch := m.Orchestrator(); orch != nil {
		orchStatus = string(orch.Status)
	}

	fmt.Printf("[seq %d] orchestrator=%s agents=%d tickets=%d chat=%d\n",
		m.LastSeq(), orchStatus, len(m.Agents()), len(m.Tickets()), len(m.Chat()))
	for _, agent := range m.Agents() {
		fmt.Printf("  agent %s (%s): %s\n", agent.Name, agent.ID, agent.Status)
	}
	for _, ticket := range m.Tickets() {
		fmt.Printf("  ticket %s [%s]: %s\n", ticket.ID, ticket.Stage, ticket.Title)
	}
}
