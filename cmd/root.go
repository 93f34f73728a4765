// Package cmd implements the calliope command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "calliope",
	Short: "Calliope - stateless conversational AI service",
	Long: `Calliope is a stateless HTTP service for tool-calling AI conversations.

Each request carries the full conversation context; the server holds no
session state between turns. Responses stream over SSE as typed events
(text, tool_start, tool_end, context_update, error).

Run 'calliope serve' to start the HTTP server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
