package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	client "gointegrity/clients/go"
)

var (
	serverAddr string
	timeout    int
	output     string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "integrityctl",
		Short:         "integrityctl - Resource integrity CLI",
		Long:          `integrityctl inspects and drives the state, designation and audits of an integrity daemon`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:7400", "Server address")
	rootCmd.PersistentFlags().IntVar(&timeout, "timeout", 30, "Request timeout in seconds")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "Output format: text or yaml")

	// Add subcommands
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(selfTestCmd())
	rootCmd.AddCommand(designationCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(auditCmd())

	return rootCmd
}

// withClient dials the server, runs fn and closes the connection.
func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	c, err := client.New(ctx, serverAddr, &client.Options{Insecure: true, DialTimeout: 5 * time.Second})
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
