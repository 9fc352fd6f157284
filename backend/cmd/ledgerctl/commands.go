package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/credits"
	"github.com/ravigill3969/fitscan/backend/database"
	"github.com/ravigill3969/fitscan/backend/models"
	"github.com/ravigill3969/fitscan/backend/scanflow"
	"github.com/ravigill3969/fitscan/backend/sweeper"
	"github.com/ravigill3969/fitscan/backend/utils"
)

func newRootCmd(e env) *cobra.Command {
	root := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Operate the fitscan credit ledger and scans",
		SilenceUsage: true,
	}
	root.AddCommand(
		migrateCmd(e),
		grantCmd(e),
		balanceCmd(e),
		refundCmd(e),
		sweepCmd(e),
		opsResetCmd(e),
		tokenCmd(e),
		uploadCmd(),
	)
	return root
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// migrateCmd applies the embedded Postgres schema
func migrateCmd(e env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := e.config()
			if err != nil {
				return err
			}
			db, err := database.ConnectDB(cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := database.RunMigrations(db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func grantCmd(e env) *cobra.Command {
	var (
		uid        string
		g          credits.Grant
		expiryDays int
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant credits to a user",
		Long: `Append a credit bucket to the user's ledger.

A bucket with --expiry-days 0 never expires.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, done, err := e.deps(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			g.ExpiryDays = expiryDays
			total, err := deps.Credits.GrantCredits(cmd.Context(), uid, g)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %d credits to %s, %d available\n", g.Amount, uid, total)
			return nil
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "user id")
	cmd.Flags().IntVar(&g.Amount, "amount", 0, "credits to grant")
	cmd.Flags().IntVar(&expiryDays, "expiry-days", 0, "days until the bucket expires, 0 for never")
	cmd.Flags().StringVar(&g.Context, "context", "manual_grant", "context recorded on the bucket")
	cmd.Flags().StringVar(&g.SourcePriceID, "price-id", "", "price id recorded on the bucket")
	_ = cmd.MarkFlagRequired("uid")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func balanceCmd(e env) *cobra.Command {
	var uid string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a user's available credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, done, err := e.deps(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			summary, err := deps.Credits.Balance(cmd.Context(), uid)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "user id")
	_ = cmd.MarkFlagRequired("uid")
	return cmd
}

func refundCmd(e env) *cobra.Command {
	var uid, scanID string
	cmd := &cobra.Command{
		Use:   "refund",
		Short: "Refund a scan that was charged but produced no result",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, done, err := e.deps(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			out, err := deps.Credits.RefundIfNoResult(cmd.Context(), uid, scanID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "user id")
	cmd.Flags().StringVar(&scanID, "scan", "", "scan id")
	_ = cmd.MarkFlagRequired("uid")
	_ = cmd.MarkFlagRequired("scan")
	return cmd
}

func sweepCmd(e env) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Abandon stale open scans once and refund their charges",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, done, err := e.deps(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			sw := sweeper.New(deps.Store, deps.Scans, deps.Config.Scans, deps.Logger.Named("sweeper"))
			if olderThan > 0 {
				sw.AbandonAfter = olderThan
			}
			report, err := sw.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override SCAN_ABANDON_AFTER")
	return cmd
}

func opsResetCmd(e env) *cobra.Command {
	var uid, opID string
	cmd := &cobra.Command{
		Use:   "ops-reset",
		Short: "Delete a user operation record so it can run again",
		Long: `Delete the retry record of one user operation.

Credit consumptions from POST /useCredit are recorded as useCredit:<Idempotency-Key>.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, done, err := e.deps(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			if err := deps.Credits.ResetOperation(cmd.Context(), uid, opID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "operation %s reset for %s\n", opID, uid)
			return nil
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "user id")
	cmd.Flags().StringVar(&opID, "op", "", "operation id")
	_ = cmd.MarkFlagRequired("uid")
	_ = cmd.MarkFlagRequired("op")
	return cmd
}

func tokenCmd(e env) *cobra.Command {
	var (
		uid string
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 access token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := e.config()
			if err != nil {
				return err
			}
			if cfg.Auth.HMACSecret == "" {
				return errors.New("AUTH_HMAC_SECRET is not set")
			}
			tok, err := utils.CreateToken(uid, []byte(cfg.Auth.HMACSecret), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("uid")
	return cmd
}

func uploadCmd() *cobra.Command {
	var (
		baseURL, token, scanID string
		paths                  = map[models.Pose]*string{}
		maxAttempts            int
		stall                  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload the four pose photos of a scan through the client uploader",
		RunE: func(cmd *cobra.Command, args []string) error {
			var photos []scanflow.Photo
			for _, pose := range models.Poses {
				data, err := os.ReadFile(*paths[pose])
				if err != nil {
					return fmt.Errorf("read %s photo: %w", pose, err)
				}
				photos = append(photos, scanflow.Photo{
					Pose:        pose,
					ContentType: http.DetectContentType(data),
					Data:        data,
				})
			}

			zl, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			up := scanflow.NewUploader(baseURL, token, zl)
			up.MaxAttempts = maxAttempts
			up.StallTimeout = stall

			report, err := up.UploadAll(cmd.Context(), scanID, photos)
			for pose, ferr := range report.Failed {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s (%d bytes sent, %d attempts)\n", pose, ferr.Code, ferr.Bytes, ferr.Attempts)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %v\n", report.Uploaded)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "API base url")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringVar(&scanID, "scan", "", "scan id")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 3, "attempts per pose")
	cmd.Flags().DurationVar(&stall, "stall-timeout", 20*time.Second, "abort an attempt after this long without progress")
	for _, pose := range models.Poses {
		p := new(string)
		paths[pose] = p
		cmd.Flags().StringVar(p, string(pose), "", fmt.Sprintf("path of the %s photo", pose))
		_ = cmd.MarkFlagRequired(string(pose))
	}
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("scan")
	return cmd
}
