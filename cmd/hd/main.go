package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/huddle/internal/client"
	"github.com/alfredjeanlab/huddle/internal/model"
	"github.com/alfredjeanlab/huddle/internal/ui"
)

var (
	serverURL  string
	grpcAddr   string
	token      string
	jsonOutput bool
	noColor    bool
	who        model.Identity

	huddleClient *client.HTTPClient
)

var rootCmd = &cobra.Command{
	Use:          "hd <command>",
	Short:        "CLI client for the huddle collaboration service",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.SetColor(!noColor && !jsonOutput && ui.ShouldUseColor())
		if serverURL == "" {
			return fmt.Errorf("no server URL (use --url, HUDDLE_URL or hd profile set)")
		}
		huddleClient = client.NewHTTPClient(serverURL, token, who)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if huddleClient != nil {
			huddleClient.Close()
		}
	},
}

func init() {
	p := activeProfile()

	rootCmd.PersistentFlags().StringVar(&serverURL, "url", envOr("HUDDLE_URL", p.URL, "http://localhost:8080"), "HTTP server URL")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc", envOr("HUDDLE_GRPC", p.GRPCAddr, ""), "gRPC server address for streaming (empty = websocket)")
	rootCmd.PersistentFlags().StringVar(&token, "token", envOr("HUDDLE_TOKEN", p.Token, ""), "bearer token")
	rootCmd.PersistentFlags().StringVar(&who.UserID, "user", envOr("HUDDLE_USER", p.UserID, os.Getenv("USER")), "user id")
	rootCmd.PersistentFlags().StringVar(&who.DisplayName, "name", envOr("HUDDLE_NAME", p.DisplayName, ""), "display name")
	rootCmd.PersistentFlags().StringVar(&who.AvatarColor, "color", envOr("HUDDLE_COLOR", p.AvatarColor, ""), "avatar color (#RRGGBB)")
	who.Role = model.Role(envOr("HUDDLE_ROLE", p.Role, string(model.RoleMember)))
	rootCmd.PersistentFlags().Var((*roleValue)(&who.Role), "role", "document role (member, admin, owner)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "collab", Title: "Collaboration:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)
	cobra.EnableCommandSorting = false

	// Collaboration
	rootCmd.AddCommand(presenceCmd)
	rootCmd.AddCommand(commentCmd)
	rootCmd.AddCommand(watchCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(profileCmd)
}

// envOr returns the first non-empty of the environment variable, the
// profile value and fallback.
func envOr(key, profile, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if profile != "" {
		return profile
	}
	return fallback
}

// roleValue validates --role.
type roleValue model.Role

func (r *roleValue) String() string { return string(*r) }
func (r *roleValue) Type() string   { return "role" }

func (r *roleValue) Set(s string) error {
	switch model.Role(s) {
	case model.RoleMember, model.RoleAdmin, model.RoleOwner:
		*r = roleValue(s)
		return nil
	}
	return fmt.Errorf("unknown role %q", s)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
