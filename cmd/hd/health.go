package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/huddle/internal/client"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of the huddle service",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		status, err := huddleClient.Health(ctx)
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}

		out := map[string]string{"http": status}
		if grpcAddr != "" {
			gs, err := client.NewGRPCStreamer(grpcAddr, token)
			if err != nil {
				return fmt.Errorf("connecting to gRPC: %w", err)
			}
			defer gs.Close()
			if out["grpc"], err = gs.Health(ctx); err != nil {
				return fmt.Errorf("checking gRPC health: %w", err)
			}
		}

		if jsonOutput {
			printJSON(out)
		} else {
			fmt.Printf("Health: %s\n", status)
			if s, ok := out["grpc"]; ok {
				fmt.Printf("gRPC:   %s\n", s)
			}
		}

		for transport, s := range out {
			if s != "ok" {
				return fmt.Errorf("unhealthy %s: %s", transport, s)
			}
		}
		return nil
	},
}
