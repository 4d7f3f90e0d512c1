package main

import (
	"context"
	"crypto/md5"  //nolint:gosec
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/witlox/dmfgate/pkg/models"
	"github.com/witlox/dmfgate/pkg/postgres"
)

var rolloutCmd = &cobra.Command{
	Use:   "rollout",
	Short: "Upload software and assign it to devices",
}

var rolloutUploadCmd = &cobra.Command{
	Use:   "upload <tenant> <file>...",
	Short: "Create a software module from artifact files",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runRolloutUpload,
}

var rolloutAssignCmd = &cobra.Command{
	Use:   "assign <tenant> <controllerId>",
	Short: "Bundle modules into a distribution set and assign it to a device",
	Args:  cobra.ExactArgs(2),
	RunE:  runRolloutAssign,
}

var rolloutCancelCmd = &cobra.Command{
	Use:   "cancel <tenant> <actionId>",
	Short: "Request cancellation of an action",
	Args:  cobra.ExactArgs(2),
	RunE:  runRolloutCancel,
}

func init() {
	rolloutUploadCmd.Flags().String("type", "os", "Software module type")
	rolloutUploadCmd.Flags().String("name", "", "Software module name")
	rolloutUploadCmd.Flags().String("version", "", "Software module version")
	rolloutUploadCmd.Flags().StringToString("metadata", nil, "Module metadata key=value pairs")
	_ = rolloutUploadCmd.MarkFlagRequired("name")
	_ = rolloutUploadCmd.MarkFlagRequired("version")

	rolloutAssignCmd.Flags().Int64Slice("module", nil, "Software module id (repeatable)")
	rolloutAssignCmd.Flags().String("name", "", "Distribution set name")
	rolloutAssignCmd.Flags().String("version", "", "Distribution set version")
	_ = rolloutAssignCmd.MarkFlagRequired("module")

	rolloutCmd.AddCommand(rolloutUploadCmd)
	rolloutCmd.AddCommand(rolloutAssignCmd)
	rolloutCmd.AddCommand(rolloutCancelCmd)
	rootCmd.AddCommand(rolloutCmd)
}

// describeArtifact hashes content into the artifact record devices receive.
func describeArtifact(filename string, content []byte, modified time.Time) models.Artifact {
	s1 := sha1.Sum(content) //nolint:gosec
	m5 := md5.Sum(content)  //nolint:gosec
	s256 := sha256.Sum256(content)
	return models.Artifact{
		Filename:     filename,
		Size:         int64(len(content)),
		SHA1:         hex.EncodeToString(s1[:]),
		MD5:          hex.EncodeToString(m5[:]),
		SHA256:       hex.EncodeToString(s256[:]),
		LastModified: modified,
	}
}

func runRolloutUpload(cmd *cobra.Command, args []string) error {
	sm := &models.SoftwareModule{}
	sm.Type, _ = cmd.Flags().GetString("type")
	sm.Name, _ = cmd.Flags().GetString("name")
	sm.Version, _ = cmd.Flags().GetString("version")
	sm.Metadata, _ = cmd.Flags().GetStringToString("metadata")

	contents := make([][]byte, 0, len(args)-1)
	for _, path := range args[1:] {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read artifact: %w", err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat artifact: %w", err)
		}
		sm.Artifacts = append(sm.Artifacts, describeArtifact(filepath.Base(path), content, info.ModTime()))
		contents = append(contents, content)
	}

	return withDB(cmd, args[0], func(ctx context.Context, db *postgres.DB) error {
		repo := postgres.NewManagementRepository(db)
		if err := repo.CreateSoftwareModule(ctx, sm); err != nil {
			return err
		}
		for i, a := range sm.Artifacts {
			if err := repo.StoreArtifactBinary(ctx, a.SHA1, contents[i]); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "software module %d created with %d artifact(s)\n", sm.ID, len(sm.Artifacts))
		return nil
	})
}

func runRolloutAssign(cmd *cobra.Command, args []string) error {
	modules, _ := cmd.Flags().GetInt64Slice("module")
	name, _ := cmd.Flags().GetString("name")
	dsVersion, _ := cmd.Flags().GetString("version")
	if name == "" {
		name = "rollout-" + args[1]
	}
	if dsVersion == "" {
		dsVersion = time.Now().UTC().Format("20060102150405")
	}

	return withDB(cmd, args[0], func(ctx context.Context, db *postgres.DB) error {
		repo := postgres.NewManagementRepository(db)
		dsID, err := repo.CreateDistributionSet(ctx, name, dsVersion, modules...)
		if err != nil {
			return err
		}
		action, err := repo.AssignDistributionSet(ctx, args[1], dsID)
		if err != nil {
			return fmt.Errorf("failed to assign to %s: %w", args[1], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "action %d created for %s\n", action.ID, args[1])
		return nil
	})
}

func runRolloutCancel(cmd *cobra.Command, args []string) error {
	actionID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid action id %q", args[1])
	}
	return withDB(cmd, args[0], func(ctx context.Context, db *postgres.DB) error {
		if err := postgres.NewManagementRepository(db).CancelAction(ctx, actionID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "action %d canceling\n", actionID)
		return nil
	})
}
