// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/foreman/pkg/types"
)

var agentsCmd = &cobra.Command{
	Use:     "agents",
	Aliases: []string{"ls"},
	Short:   "List agents",
	Run:     runListAgents,
}

var agentCommandCmd = &cobra.Command{
	Use:   "command <agent-id> <text>",
	Short: "Send a command to an agent",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		path := "/agents/" + args[0] + "/command"
		if err := apiDo(http.MethodPost, path, map[string]string{"text": args[1]}, nil); err != nil {
			fail(err)
		}
		fmt.Println("Accepted.")
	},
}

var agentDeleteCmd = &cobra.Command{
	Use:   "delete <agent-id>",
	Short: "Archive an agent",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := apiDo(http.MethodDelete, "/agents/"+args[0], nil, nil); err != nil {
			fail(err)
		}
		fmt.Println("Archived.")
	},
}

func init() {
	agentsCmd.AddCommand(agentCommandCmd)
	agentsCmd.AddCommand(agentDeleteCmd)
}

func runListAgents(cmd *cobra.Command, args []string) {
	var out struct {
		Agents []*types.Agent `json:"agents"`
	}
	if err := apiDo(http.MethodGet, "/agents", nil, &out); err != nil {
		fail(err)
	}

	if len(out.Agents) == 0 {
		fmt.Println("No agents.")
		return
	}

	fmt.Printf("Agents (%d):\n\n", len(out.Agents))
	for _, agent := range out.Agents {
		fmt.Printf("  %s  %s\n", agent.ID, agent.Name)
		fmt.Printf("    Status: %s", agent.Status)
		if agent.Model != "" {
			fmt.Printf(" | Model: %s", agent.Model)
		}
		fmt.Println()
		if agent.Usage.TotalTokens > 0 {
			fmt.Printf("    Tokens: %d in / %d out | Cost: $%.4f\n",
				agent.Usage.InputTokens, agent.Usage.OutputTokens, agent.Usage.CostUSD)
		}
		fmt.Println()
	}
}
