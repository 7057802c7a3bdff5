package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/parley/internal/database"
	"github.com/MarcoPoloResearchLab/parley/internal/logging"
	"github.com/MarcoPoloResearchLab/parley/internal/records"
	"github.com/MarcoPoloResearchLab/parley/internal/recordstore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newCompactCommand() *cobra.Command {
	var (
		userID   string
		rawScope string
	)
	cmd := &cobra.Command{
		Use:   "compact-feed",
		Short: "Discard a user's scope change history on the server database",
		Long: "Discard a user's scope change history on the server database. " +
			"Outstanding scope cursors of that user expire and their devices resynchronize from scratch.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			scope, err := records.ParseScope(rawScope)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(viper.GetString("log.level"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			if err := compactFeed(cmd.Context(), viper.GetString("database.path"), userID, scope, logger); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "compacted %s feed of %s\n", scope, userID)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User whose feed is compacted")
	cmd.Flags().StringVar(&rawScope, "scope", records.ScopeShared.String(), "Scope to compact (owner or shared)")
	return cmd
}

func compactFeed(ctx context.Context, databasePath, userID string, scope records.Scope, logger *zap.Logger) error {
	if strings.TrimSpace(databasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	db, err := database.OpenSQLite(databasePath, recordstore.Schema(), logger.Named("database"))
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	store, err := recordstore.NewService(recordstore.ServiceConfig{
		Database:   db,
		IDProvider: recordstore.NewUUIDProvider(),
		Logger:     logger.Named("recordstore"),
	})
	if err != nil {
		return err
	}
	if err := store.CompactScopeFeed(ctx, userID, scope); err != nil {
		return err
	}
	logger.Info("scope feed compacted", zap.String("user_id", userID), zap.String("scope", scope.String()))
	return nil
}
