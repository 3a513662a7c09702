package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/huddle/internal/model"
	"github.com/alfredjeanlab/huddle/internal/ui"
)

const timeFormat = "2006-01-02 15:04:05"

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func printPresenceTable(w io.Writer, people []*model.Presence, now time.Time) {
	if len(people) == 0 {
		fmt.Fprintln(w, "Nobody here.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tNAME\tACTIVITY\tSLIDE\tLAST SEEN")
	for _, p := range people {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			p.UserID,
			ui.RenderUser(p.DisplayName, p.AvatarColor),
			ui.RenderActivity(p.Activity),
			slideLabel(p.SlideIndex),
			ago(now.Sub(p.LastSeenAt)),
		)
	}
	tw.Flush()
}

func slideLabel(idx *int) string {
	if idx == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *idx)
}

func ago(d time.Duration) string {
	if d < time.Second {
		return "just now"
	}
	return d.Truncate(time.Second).String() + " ago"
}

func printComment(w io.Writer, c *model.Comment) {
	fmt.Fprintf(w, "ID:         %d\n", c.ID)
	fmt.Fprintf(w, "Document:   %s\n", c.DocumentID)
	fmt.Fprintf(w, "Slide:      %d\n", c.SlideIndex)
	fmt.Fprintf(w, "Author:     %s\n", authorLabel(c))
	if c.ParentID != nil {
		fmt.Fprintf(w, "Reply To:   %d\n", *c.ParentID)
	}
	fmt.Fprintf(w, "Status:     %s\n", ui.RenderResolved(c.Resolved))
	if c.ResolvedBy != nil {
		fmt.Fprintf(w, "Resolved By: %s\n", *c.ResolvedBy)
	}
	if len(c.Mentions) > 0 {
		fmt.Fprintf(w, "Mentions:   %s\n", strings.Join(c.Mentions, ", "))
	}
	fmt.Fprintf(w, "Content:    %s\n", c.Content)
	if !c.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Created At: %s\n", c.CreatedAt.Local().Format(timeFormat))
	}
}

// printThreads prints top-level comments with their replies indented.
func printThreads(w io.Writer, threads []*model.Comment) {
	if len(threads) == 0 {
		fmt.Fprintln(w, "No comments found.")
		return
	}
	for i, c := range threads {
		if i > 0 {
			fmt.Fprintln(w, "---")
		}
		fmt.Fprintf(w, "[%d] slide %d  %s  %s  %s\n", c.ID, c.SlideIndex, authorLabel(c),
			ui.RenderResolved(c.Resolved), ui.RenderMuted(c.CreatedAt.Local().Format(timeFormat)))
		fmt.Fprintf(w, "    %s\n", c.Content)
		for _, r := range c.Replies {
			fmt.Fprintf(w, "    ↳ [%d] %s  %s\n", r.ID, authorLabel(r), ui.RenderMuted(r.CreatedAt.Local().Format(timeFormat)))
			fmt.Fprintf(w, "      %s\n", r.Content)
		}
	}
}

func authorLabel(c *model.Comment) string {
	if c.AuthorName != "" && c.AuthorName != c.AuthorID {
		return fmt.Sprintf("%s (%s)", c.AuthorName, c.AuthorID)
	}
	return c.AuthorID
}
