package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/huddle/internal/client"
	"github.com/alfredjeanlab/huddle/internal/model"
)

var presenceCmd = &cobra.Command{
	Use:     "presence",
	Short:   "Show and update who is on a document",
	GroupID: "collab",
}

var presenceListCmd = &cobra.Command{
	Use:   "list <document-id>",
	Short: "List active participants, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		people, err := huddleClient.ListPresence(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("listing presence: %w", err)
		}
		if jsonOutput {
			printJSON(people)
			return nil
		}
		printPresenceTable(os.Stdout, people, time.Now())
		return nil
	},
}

var presenceBeatCmd = &cobra.Command{
	Use:   "beat <document-id>",
	Short: "Send one presence heartbeat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := heartbeatFromFlags(cmd)
		if err != nil {
			return err
		}
		p, err := huddleClient.Heartbeat(context.Background(), args[0], req)
		if err != nil {
			return fmt.Errorf("sending heartbeat: %w", err)
		}
		if jsonOutput {
			printJSON(p)
			return nil
		}
		printPresenceTable(os.Stdout, []*model.Presence{p}, time.Now())
		return nil
	},
}

var presenceLeaveCmd = &cobra.Command{
	Use:   "leave <document-id>",
	Short: "Remove your presence from a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := huddleClient.Leave(context.Background(), args[0]); err != nil {
			return fmt.Errorf("leaving: %w", err)
		}
		fmt.Printf("Left %s\n", args[0])
		return nil
	},
}

// heartbeatFromFlags builds a heartbeat from --activity, --slide and --cursor.
func heartbeatFromFlags(cmd *cobra.Command) (*client.HeartbeatRequest, error) {
	req := &client.HeartbeatRequest{}
	activity, _ := cmd.Flags().GetString("activity")
	if activity != "" {
		req.Activity = model.ActivityType(activity)
		if !req.Activity.IsValid() {
			return nil, fmt.Errorf("unknown activity %q (viewing, editing, commenting, idle)", activity)
		}
	}
	if cmd.Flags().Changed("slide") {
		slide, _ := cmd.Flags().GetInt("slide")
		req.SlideIndex = &slide
	}
	if cursor, _ := cmd.Flags().GetFloat64Slice("cursor"); len(cursor) > 0 {
		if len(cursor) != 2 {
			return nil, fmt.Errorf("--cursor takes x,y")
		}
		req.Cursor = &model.Point{X: cursor[0], Y: cursor[1]}
	}
	return req, nil
}

func init() {
	presenceBeatCmd.Flags().String("activity", "", "activity (viewing, editing, commenting, idle)")
	presenceBeatCmd.Flags().Int("slide", 0, "slide index")
	presenceBeatCmd.Flags().Float64Slice("cursor", nil, "cursor position x,y")

	presenceCmd.AddCommand(presenceListCmd)
	presenceCmd.AddCommand(presenceBeatCmd)
	presenceCmd.AddCommand(presenceLeaveCmd)
}
