// Package cli implements mahoya-admin, the operator tool for the
// gamification tables. It talks to the same store the API uses.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mahoyaAPI/internal/config"
	"mahoyaAPI/internal/d20"
	"mahoyaAPI/internal/localstore"
	"mahoyaAPI/services"
)

// openService builds the service the commands operate on. The returned func
// releases the store connections.
var openService = func(ctx context.Context) (*services.GamificationService, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	store, err := services.OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	guests, err := localstore.Open(cfg.GuestStorePath)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	svc := services.NewGamificationService(store, guests, d20.CryptoSource{}, nil)
	return svc, func() {
		guests.Close()
		store.Close()
	}, nil
}

var cmdTimeout time.Duration

var rootCmd = &cobra.Command{
	Use:           "mahoya-admin",
	Short:         "Operate Mahoya player progress, achievements and the D20 promotion",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&cmdTimeout, "timeout", 2*time.Minute, "Deadline for the whole command")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// withService opens the store, runs fn under the command deadline and closes
// the store again.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *services.GamificationService) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cmdTimeout)
	defer cancel()

	svc, closer, err := openService(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closer()
	return fn(ctx, svc)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
