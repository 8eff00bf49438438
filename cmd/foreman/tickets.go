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

var ticketBody string

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "List tickets",
	Run:   runListTickets,
}

var ticketCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a ticket",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var ticket types.Ticket
		err := apiDo(http.MethodPost, "/tickets", map[string]string{
			"title": args[0], "body": ticketBody,
		}, &ticket)
		if err != nil {
			fail(err)
		}
		fmt.Printf("Created %s (%s)\n", ticket.ID, ticket.Stage)
	},
}

var ticketMoveCmd = &cobra.Command{
	Use:   "move <ticket-id> <stage>",
	Short: "Move a ticket to another stage (idle, planning, archived)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		var ticket types.Ticket
		err := apiDo(http.MethodPost, "/tickets/"+args[0]+"/move",
			map[string]string{"stage": args[1]}, &ticket)
		if err != nil {
			fail(err)
		}
		fmt.Printf("Moved %s to %s\n", ticket.ID, ticket.Stage)
	},
}

func init() {
	ticketCreateCmd.Flags().StringVar(&ticketBody, "body", "", "Ticket body text")
	ticketsCmd.AddCommand(ticketCreateCmd)
	ticketsCmd.AddCommand(ticketMoveCmd)
}

func runListTickets(cmd *cobra.Command, args []string) {
	var out struct {
		Tickets []*types.Ticket `json:"tickets"`
	}
	if err := apiDo(http.MethodGet, "/tickets", nil, &out); err != nil {
		fail(err)
	}

	if len(out.Tickets) == 0 {
		fmt.Println("No tickets.")
		return
	}

	fmt.Printf("Tickets (%d):\n\n", len(out.Tickets))
	for _, ticket := range out.Tickets {
		fmt.Printf("  %s  [%s]  %s\n", ticket.ID, ticket.Stage, ticket.Title)
		if ticket.Error != "" {
			fmt.Printf("    Error: %s\n", ticket.Error)
		}
		for stage, stats := range ticket.StageStats {
			fmt.Printf("    %s: %d messages, %d tool calls\n", stage, stats.Messages, stats.ToolCalls)
		}
	}
}
