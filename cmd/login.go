package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/relayhq/copilot-gateway/internal/auth"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize the gateway with GitHub Copilot",
	Long:  `Run the GitHub device-code OAuth flow and persist the resulting Copilot chat token.`,
	RunE:  runLogin,
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cfg := cfgMgr.Get()

	provider := auth.NewProvider(cfg.TokenPath, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	dc, err := provider.RequestDeviceCode(ctx)
	if err != nil {
		return fmt.Errorf("request device code: %w", err)
	}

	color.Cyan("First, copy your one-time code: %s", dc.UserCode)
	color.Cyan("Then open %s in your browser to authorize.", dc.VerificationURI)

	githubToken, err := provider.PollForGithubToken(ctx, dc)
	if err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}

	if err := provider.CompleteSignIn(ctx, githubToken); err != nil {
		return fmt.Errorf("complete sign-in: %w", err)
	}

	color.Green("Authorized successfully. Token saved to %s", cfg.TokenPath)
	return nil
}
