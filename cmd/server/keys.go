package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sakif/runbox/internal/auth"
)

var (
	costFlag    int
	subjectFlag string
	ttlFlag     time.Duration
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key",
	Short: "Hash an API key for auth.api_keys",
	Long: `Read an API key from stdin and print its bcrypt hash.

Examples:
  openssl rand -hex 24 | tee key.txt | runbox hash-key`,
	Args: cobra.NoArgs,
	RunE: runHashKey,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a JWT signed with auth.jwt_secret",
	Long: `Print a bearer token for manual testing against a service configured
with the same auth.jwt_secret.

Examples:
  curl -H "Authorization: Bearer $(runbox token --subject me)" ...`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	hashKeyCmd.Flags().IntVar(&costFlag, "cost", auth.DefaultKeyCost, "bcrypt cost")
	tokenCmd.Flags().StringVar(&subjectFlag, "subject", "cli", "Token subject")
	tokenCmd.Flags().DurationVar(&ttlFlag, "ttl", 15*time.Minute, "Token lifetime")
	rootCmd.AddCommand(hashKeyCmd, tokenCmd)
}

func runHashKey(cmd *cobra.Command, args []string) error {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return errors.New("no key on stdin")
	}
	hash, err := auth.HashKey(strings.TrimSpace(line), costFlag)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	token, err := tokens.Generate(subjectFlag, ttlFlag)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
