package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/kms/key"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect and operate on managed keys",
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List key metadata",
	RunE:  runKeyList,
}

var keyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a key, wrapped by --parent or by the root wrapping key",
	RunE:  runKeyCreate,
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate <key-id>",
	Short: "Rotate a key to a new version",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyRotate,
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke a key; revoked keys can no longer encrypt or decrypt",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyRevoke,
}

var keySweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one policy rotation and expiry sweep",
	RunE:  runKeySweep,
}

var keyExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire every key whose expires_at has passed",
	RunE:  runKeyExpire,
}

var (
	jsonOutput   bool
	listKeyType  string
	listStatus   string
	createType   string
	createParent string
	createLevel  string
	createDesc   string
	createTTL    time.Duration
	reason       string
	rotateKind   string
)

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keyListCmd, keyCreateCmd, keyRotateCmd, keyRevokeCmd, keySweepCmd, keyExpireCmd)

	keysCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")

	keyListCmd.Flags().StringVar(&listKeyType, "type", "", "filter by key type (KEK, DEK, TLS, HSM, BACKUP)")
	keyListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")

	keyCreateCmd.Flags().StringVar(&createType, "type", string(storage.KeyTypeDEK), "key type")
	keyCreateCmd.Flags().StringVar(&createParent, "parent", "", "parent key id")
	keyCreateCmd.Flags().StringVar(&createLevel, "security-level", "", "STANDARD, HIGH or MAXIMUM")
	keyCreateCmd.Flags().StringVar(&createDesc, "description", "", "free-form description")
	keyCreateCmd.Flags().DurationVar(&createTTL, "ttl", 0, "expire the key after this duration")

	keyRotateCmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the rotation and audit log")
	keyRotateCmd.Flags().StringVar(&rotateKind, "trigger", string(storage.TriggerManual), "MANUAL, INCIDENT or COMPLIANCE")
	keyRevokeCmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	_ = keyRevokeCmd.MarkFlagRequired("reason")
}

func runKeyList(cmd *cobra.Command, _ []string) error {
	return withServer(cmd, func(ctx context.Context, s *api.Server) error {
		keys, err := s.KeyService.ListKeys(ctx, &storage.KeyFilter{
			KeyType: storage.KeyType(listKeyType),
			Status:  storage.KeyStatus(listStatus),
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), keys)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY ID\tTYPE\tSTATUS\tLEVEL\tPARENT\tUSAGE\tCREATED")
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				k.KeyID, k.KeyType, k.Status, k.SecurityLevel, dash(k.ParentKeyID), k.UsageCount, k.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	})
}

func runKeyCreate(cmd *cobra.Command, _ []string) error {
	return withServer(cmd, func(ctx context.Context, s *api.Server) error {
		req := &key.CreateKeyRequest{
			KeyType:       storage.KeyType(createType),
			ParentKeyID:   createParent,
			SecurityLevel: storage.SecurityLevel(createLevel),
			Description:   createDesc,
		}
		if createTTL > 0 {
			expiresAt := s.Clock.Now().Add(createTTL)
			req.ExpiresAt = &expiresAt
		}

		k, err := s.KeyService.CreateMasterKey(ctx, req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), k)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s %s (%s)\n", k.KeyType, k.KeyID, k.Status)
		return nil
	})
}

func runKeyRotate(cmd *cobra.Command, args []string) error {
	return withServer(cmd, func(ctx context.Context, s *api.Server) error {
		res, err := s.KeyService.RotateKey(ctx, args[0], storage.RotationTrigger(rotateKind), reason)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rotated %s: v%d -> v%d (rotation %s)\n", args[0], res.OldVersion, res.NewVersion, res.RotationID)
		return nil
	})
}

func runKeyRevoke(cmd *cobra.Command, args []string) error {
	return withServer(cmd, func(ctx context.Context, s *api.Server) error {
		if err := s.KeyService.RevokeKey(ctx, args[0], reason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
		return nil
	})
}

func runKeySweep(cmd *cobra.Command, _ []string) error {
	return withServer(cmd, func(ctx context.Context, s *api.Server) error {
		report, sweepErr := s.Sweep(ctx)
		if jsonOutput {
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
		} else if r := report.Rotations; r != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "evaluated %d, rotated %d, notified %d, deferred %d, manual %d, failed %d, expired %d\n",
				r.Evaluated, r.Rotated, r.Notified, r.Deferred, r.Manual, r.Failed, report.Expired)
		}
		return sweepErr
	})
}

func runKeyExpire(cmd *cobra.Command, _ []string) error {
	return withServer(cmd, func(ctx context.Context, s *api.Server) error {
		n, err := s.KeyService.ExpireDueKeys(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d keys\n", n)
		return nil
	})
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
