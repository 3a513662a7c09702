package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/huddle/internal/client"
	"github.com/alfredjeanlab/huddle/internal/model"
	"github.com/alfredjeanlab/huddle/internal/syncagent"
	"github.com/alfredjeanlab/huddle/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch <document-id>",
	Short:   "Join a document and print presence and comment changes as they happen",
	GroupID: "collab",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		heartbeat, _ := cmd.Flags().GetDuration("heartbeat")
		if !cmd.Flags().Changed("heartbeat") {
			info, err := huddleClient.Info(context.Background())
			if err != nil {
				return fmt.Errorf("checking server: %w", err)
			}
			heartbeat = serverHeartbeat(info, heartbeat)
		}
		poll, _ := cmd.Flags().GetDuration("poll")
		req, err := heartbeatFromFlags(cmd)
		if err != nil {
			return err
		}

		var streamer client.Streamer = huddleClient
		if grpcAddr != "" {
			gs, err := client.NewGRPCStreamer(grpcAddr, token)
			if err != nil {
				return fmt.Errorf("connecting to gRPC: %w", err)
			}
			defer gs.Close()
			streamer = gs
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		p := &changePrinter{w: os.Stdout, json: jsonOutput}
		agent := syncagent.New(syncagent.Config{
			Client:            huddleClient,
			Streamer:          streamer,
			DocumentID:        args[0],
			HeartbeatInterval: heartbeat,
			PollInterval:      poll,
			Activity:          req.Activity,
			SlideIndex:        req.SlideIndex,
			OnChange:          p.print,
		})
		if req.Cursor != nil {
			agent.SetCursor(req.Cursor)
		}
		return agent.Run(ctx)
	},
}

// serverHeartbeat returns the interval the server asks for, or fallback
// when it does not say.
func serverHeartbeat(info *client.ServerInfo, fallback time.Duration) time.Duration {
	if info == nil || info.HeartbeatInterval <= 0 {
		return fallback
	}
	return info.HeartbeatInterval
}

// changePrinter prints the difference between successive snapshots.
type changePrinter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
	prev *syncagent.Snapshot
}

func (p *changePrinter) print(s syncagent.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		var lines []change
		if p.prev == nil {
			lines = diffSnapshots(syncagent.Snapshot{Live: s.Live}, s)
		} else {
			lines = diffSnapshots(*p.prev, s)
		}
		for _, c := range lines {
			data, _ := json.Marshal(c)
			fmt.Fprintln(p.w, string(data))
		}
	} else if p.prev == nil {
		fmt.Fprintf(p.w, "%s %s\n", ui.RenderAccent("watching"), s.DocumentID)
		printPresenceTable(p.w, s.Presence, time.Now())
		printThreads(p.w, s.Comments)
	} else {
		for _, c := range diffSnapshots(*p.prev, s) {
			fmt.Fprintf(p.w, "%s %s\n", ui.RenderMuted(time.Now().Format("15:04:05")), c.Text)
		}
	}
	p.prev = &s
}

// change is one line of watch output.
type change struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
	ID   string `json:"id,omitempty"`
}

// diffSnapshots describes what changed between two views of a document.
func diffSnapshots(prev, next syncagent.Snapshot) []change {
	var out []change
	if prev.Live != next.Live {
		if next.Live {
			out = append(out, change{Kind: "live", Text: "live updates connected"})
		} else {
			out = append(out, change{Kind: "reconnecting", Text: ui.RenderWarn("reconnecting, polling until the stream is back")})
		}
	}

	before := make(map[string]*model.Presence, len(prev.Presence))
	for _, p := range prev.Presence {
		before[p.UserID] = p
	}
	for _, p := range next.Presence {
		old, ok := before[p.UserID]
		delete(before, p.UserID)
		label := ui.RenderUser(displayName(p), p.AvatarColor)
		switch {
		case !ok:
			out = append(out, change{Kind: "joined", ID: p.UserID,
				Text: fmt.Sprintf("%s joined (%s, slide %s)", label, ui.RenderActivity(p.Activity), slideLabel(p.SlideIndex))})
		case old.Activity != p.Activity || slideLabel(old.SlideIndex) != slideLabel(p.SlideIndex):
			out = append(out, change{Kind: "moved", ID: p.UserID,
				Text: fmt.Sprintf("%s is %s on slide %s", label, ui.RenderActivity(p.Activity), slideLabel(p.SlideIndex))})
		}
	}
	for _, p := range prev.Presence {
		if _, gone := before[p.UserID]; gone {
			out = append(out, change{Kind: "left", ID: p.UserID, Text: fmt.Sprintf("%s left", displayName(p))})
		}
	}

	oldComments := flatByID(prev.Comments)
	newComments := flatByID(next.Comments)
	for _, c := range model.Flatten(next.Comments) {
		old, ok := oldComments[c.ID]
		id := fmt.Sprintf("%d", c.ID)
		switch {
		case !ok && c.ParentID != nil:
			out = append(out, change{Kind: "replied", ID: id,
				Text: fmt.Sprintf("%s replied to [%d]: %s", authorLabel(c), *c.ParentID, c.Content)})
		case !ok:
			out = append(out, change{Kind: "commented", ID: id,
				Text: fmt.Sprintf("%s commented [%d] on slide %d: %s", authorLabel(c), c.ID, c.SlideIndex, c.Content)})
		case old.Resolved != c.Resolved:
			verb := "reopened"
			if c.Resolved {
				verb = "resolved"
			}
			out = append(out, change{Kind: verb, ID: id, Text: fmt.Sprintf("comment [%d] %s", c.ID, verb)})
		}
	}
	for _, c := range model.Flatten(prev.Comments) {
		if _, ok := newComments[c.ID]; !ok {
			out = append(out, change{Kind: "deleted", ID: fmt.Sprintf("%d", c.ID), Text: fmt.Sprintf("comment [%d] deleted", c.ID)})
		}
	}
	return out
}

func flatByID(threads []*model.Comment) map[int64]*model.Comment {
	m := make(map[int64]*model.Comment)
	for _, c := range model.Flatten(threads) {
		m[c.ID] = c
	}
	return m
}

func displayName(p *model.Presence) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.UserID
}

func init() {
	watchCmd.Flags().Duration("heartbeat", syncagent.DefaultHeartbeatInterval, "heartbeat interval")
	watchCmd.Flags().Duration("poll", syncagent.DefaultPollInterval, "polling interval while the stream is down")
	watchCmd.Flags().String("activity", "", "activity to announce (default viewing)")
	watchCmd.Flags().Int("slide", 0, "slide index to announce")
	watchCmd.Flags().Float64Slice("cursor", nil, "cursor position x,y")
}
