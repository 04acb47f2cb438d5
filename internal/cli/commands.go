package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"mahoyaAPI/services"
)

func init() {
	rootCmd.AddCommand(d20Cmd, achievementsCmd, progressCmd, xpCmd)
	d20Cmd.AddCommand(d20GrantCmd, d20RevokeCmd, d20ResetCmd)
	achievementsCmd.AddCommand(achievementsReconcileCmd)
	progressCmd.AddCommand(progressShowCmd)
	xpCmd.AddCommand(xpAwardCmd)
}

// ─── d20 ────────────────────────────────────────────────────────────────────

var d20Cmd = &cobra.Command{
	Use:   "d20",
	Short: "Manage D20 eligibility and rolls",
}

var d20GrantCmd = &cobra.Command{
	Use:   "grant USER_ID",
	Short: "Make a user eligible to roll the D20",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *services.GamificationService) error {
			if err := svc.GrantD20(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is eligible for the D20\n", args[0])
			return nil
		})
	},
}

var d20RevokeCmd = &cobra.Command{
	Use:   "revoke USER_ID",
	Short: "Remove D20 eligibility (an existing roll is kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *services.GamificationService) error {
			if err := svc.RevokeD20(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is no longer eligible for the D20\n", args[0])
			return nil
		})
	},
}

var d20ResetCmd = &cobra.Command{
	Use:   "reset USER_ID",
	Short: "Delete a user's roll so they can roll again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *services.GamificationService) error {
			if err := svc.ResetD20(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "D20 roll for %s removed\n", args[0])
			return nil
		})
	},
}

// ─── achievements ───────────────────────────────────────────────────────────

var achievementsCmd = &cobra.Command{
	Use:   "achievements",
	Short: "Achievement maintenance",
}

var achievementsReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Record unlocks for every threshold players have crossed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *services.GamificationService) error {
			report, err := svc.ReconcileAchievements(ctx)
			if report != nil {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d of %d players failed", report.Failed, report.Players)
			}
			return nil
		})
	},
}

// ─── progress / xp ──────────────────────────────────────────────────────────

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Inspect player progress",
}

var progressShowCmd = &cobra.Command{
	Use:   "show USER_ID",
	Short: "Print level, XP and title for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *services.GamificationService) error {
			view, err := svc.GetProgress(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		})
	},
}

var xpCmd = &cobra.Command{
	Use:   "xp",
	Short: "Adjust player XP",
}

var xpAwardCmd = &cobra.Command{
	Use:   "award USER_ID AMOUNT",
	Short: "Add XP to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("amount must be an integer: %w", err)
		}
		return withService(cmd, func(ctx context.Context, svc *services.GamificationService) error {
			view, err := svc.AwardXP(ctx, args[0], amount)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		})
	},
}
