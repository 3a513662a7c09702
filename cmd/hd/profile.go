package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// Profile holds the client defaults saved by "hd profile set".
type Profile struct {
	URL         string `toml:"url,omitempty"`
	GRPCAddr    string `toml:"grpc_addr,omitempty"`
	Token       string `toml:"token,omitempty"`
	UserID      string `toml:"user_id,omitempty"`
	DisplayName string `toml:"display_name,omitempty"`
	AvatarColor string `toml:"avatar_color,omitempty"`
	Role        string `toml:"role,omitempty"`
}

func profilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "huddle", "profile.toml"), nil
}

func loadProfile() (Profile, error) {
	path, err := profilePath()
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if _, err := toml.DecodeFile(path, &p); err != nil {
		if os.IsNotExist(err) {
			return Profile{}, nil
		}
		return Profile{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return p, nil
}

func saveProfile(p Profile) error {
	path, err := profilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(p)
}

// activeProfile loads the profile for flag defaults. A broken file is
// reported once and otherwise ignored.
func activeProfile() Profile {
	p, err := loadProfile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	return p
}

var profileCmd = &cobra.Command{
	Use:     "profile",
	Short:   "Show or change saved client defaults",
	GroupID: "system",
	// No server connection needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the saved profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadProfile()
		if err != nil {
			return err
		}
		if p.Token != "" {
			p.Token = "********"
		}
		return toml.NewEncoder(cmd.OutOrStdout()).Encode(p)
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Save the given flags as defaults",
	Long: `Save the values of --url, --grpc, --token, --user, --name, --color and
--role as defaults for later commands. Only flags given on this command
line are changed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadProfile()
		if err != nil {
			return err
		}
		applyProfileFlags(cmd, &p)
		if err := saveProfile(p); err != nil {
			return fmt.Errorf("saving profile: %w", err)
		}
		path, _ := profilePath()
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", path)
		return nil
	},
}

// applyProfileFlags copies explicitly set persistent flags into p.
func applyProfileFlags(cmd *cobra.Command, p *Profile) {
	fields := map[string]*string{
		"url":   &p.URL,
		"grpc":  &p.GRPCAddr,
		"token": &p.Token,
		"user":  &p.UserID,
		"name":  &p.DisplayName,
		"color": &p.AvatarColor,
		"role":  &p.Role,
	}
	for name, dst := range fields {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
}

func init() {
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)
}
