package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lessonlink/presenter-sync/internal/auth"
)

const (
	secretKey = "secret"
	ttlKey    = "ttl"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a presenter token for the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		code := viper.GetString(sessionKey)
		if code == "" {
			return fmt.Errorf("session code is required (--session or PRESYNC_SESSION)")
		}
		tokens := auth.NewPresenterTokens(viper.GetString(secretKey), viper.GetDuration(ttlKey))
		if !tokens.Enabled() {
			return fmt.Errorf("secret is required (--secret or PRESYNC_SECRET)")
		}
		token, err := tokens.Issue(code)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("secret", "", "presenter token secret shared with the server")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "token lifetime")
	_ = viper.BindPFlag(secretKey, tokenCmd.Flags().Lookup("secret"))
	_ = viper.BindPFlag(ttlKey, tokenCmd.Flags().Lookup("ttl"))
}
