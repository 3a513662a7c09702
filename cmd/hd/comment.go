package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/huddle/internal/client"
	"github.com/alfredjeanlab/huddle/internal/model"
)

var commentCmd = &cobra.Command{
	Use:     "comment",
	Short:   "Manage slide comments",
	GroupID: "collab",
}

var commentListCmd = &cobra.Command{
	Use:   "list <document-id>",
	Short: "List comment threads on a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threads, err := huddleClient.ListComments(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("listing comments: %w", err)
		}
		if open, _ := cmd.Flags().GetBool("open"); open {
			threads = openThreads(threads)
		}
		if jsonOutput {
			printJSON(threads)
			return nil
		}
		printThreads(os.Stdout, threads)
		return nil
	},
}

var commentShowCmd = &cobra.Command{
	Use:   "show <comment-id>",
	Short: "Show one comment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseCommentID(args[0])
		if err != nil {
			return err
		}
		c, err := huddleClient.GetComment(context.Background(), id)
		if err != nil {
			return fmt.Errorf("getting comment: %w", err)
		}
		return printCommentResult(c)
	},
}

var commentAddCmd = &cobra.Command{
	Use:   "add <document-id> <text>...",
	Short: "Add a comment to a slide",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		slide, _ := cmd.Flags().GetInt("slide")
		slides, _ := cmd.Flags().GetInt("slides")
		req := &client.CreateCommentRequest{
			Content:    strings.Join(args[1:], " "),
			SlideIndex: slide,
			SlideCount: slides,
		}
		if pos, _ := cmd.Flags().GetFloat64Slice("at"); len(pos) > 0 {
			if len(pos) != 2 {
				return fmt.Errorf("--at takes x,y")
			}
			req.Position = &model.Point{X: pos[0], Y: pos[1]}
		}
		c, err := huddleClient.CreateComment(context.Background(), args[0], req)
		if err != nil {
			return fmt.Errorf("adding comment: %w", err)
		}
		return printCommentResult(c)
	},
}

var commentReplyCmd = &cobra.Command{
	Use:   "reply <comment-id> <text>...",
	Short: "Reply to a top-level comment",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseCommentID(args[0])
		if err != nil {
			return err
		}
		ctx := context.Background()
		parent, err := huddleClient.GetComment(ctx, id)
		if err != nil {
			return fmt.Errorf("getting parent comment: %w", err)
		}
		c, err := huddleClient.CreateComment(ctx, parent.DocumentID, &client.CreateCommentRequest{
			Content:    strings.Join(args[1:], " "),
			SlideIndex: parent.SlideIndex,
			ParentID:   &parent.ID,
		})
		if err != nil {
			return fmt.Errorf("replying: %w", err)
		}
		return printCommentResult(c)
	},
}

var commentResolveCmd = &cobra.Command{
	Use:   "resolve <comment-id>",
	Short: "Mark a comment resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setResolved(args[0], true)
	},
}

var commentReopenCmd = &cobra.Command{
	Use:   "reopen <comment-id>",
	Short: "Reopen a resolved comment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setResolved(args[0], false)
	},
}

var commentDeleteCmd = &cobra.Command{
	Use:   "delete <comment-id>",
	Short: "Delete a comment and its replies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseCommentID(args[0])
		if err != nil {
			return err
		}
		d, err := huddleClient.DeleteComment(context.Background(), id)
		if err != nil {
			return fmt.Errorf("deleting comment: %w", err)
		}
		if jsonOutput {
			printJSON(d)
			return nil
		}
		fmt.Printf("Deleted %d comment(s) from %s\n", len(d.DeletedIDs), d.DocumentID)
		return nil
	},
}

func setResolved(arg string, resolved bool) error {
	id, err := parseCommentID(arg)
	if err != nil {
		return err
	}
	c, err := huddleClient.ResolveComment(context.Background(), id, resolved)
	if err != nil {
		return fmt.Errorf("updating comment: %w", err)
	}
	return printCommentResult(c)
}

func printCommentResult(c *model.Comment) error {
	if jsonOutput {
		printJSON(c)
		return nil
	}
	printComment(os.Stdout, c)
	return nil
}

func parseCommentID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid comment id %q", s)
	}
	return id, nil
}

// openThreads keeps only threads whose top-level comment is unresolved.
func openThreads(threads []*model.Comment) []*model.Comment {
	out := make([]*model.Comment, 0, len(threads))
	for _, t := range threads {
		if !t.Resolved {
			out = append(out, t)
		}
	}
	return out
}

func init() {
	commentListCmd.Flags().Bool("open", false, "only show unresolved threads")

	commentAddCmd.Flags().Int("slide", 0, "slide index to anchor the comment to")
	commentAddCmd.Flags().Int("slides", 0, "slide count of the document, for range checking")
	commentAddCmd.Flags().Float64Slice("at", nil, "pin position x,y on the slide")

	commentCmd.AddCommand(commentListCmd)
	commentCmd.AddCommand(commentShowCmd)
	commentCmd.AddCommand(commentAddCmd)
	commentCmd.AddCommand(commentReplyCmd)
	commentCmd.AddCommand(commentResolveCmd)
	commentCmd.AddCommand(commentReopenCmd)
	commentCmd.AddCommand(commentDeleteCmd)
}
