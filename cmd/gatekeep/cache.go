package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gatekeep.dev/internal/invalidation"
)

var flushPrincipal string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Operate on the permission caches of running instances",
}

var cacheFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Drop cached permissions on every instance",
	Long: `Publish an invalidation on the Redis channel the servers subscribe to.

Examples:
  gatekeep cache flush
  gatekeep cache flush --principal usr_42`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Redis.Addr == "" {
			return errors.New("redis.addr is not set, nothing to publish to")
		}
		rdb := newRedis(cfg.Redis)
		defer rdb.Close()

		bus, err := invalidation.New(nil, rdb, cfg.Redis.Channel)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		msg := invalidation.Message{PrincipalID: flushPrincipal, All: flushPrincipal == ""}
		if err := bus.Broadcast(ctx, msg); err != nil {
			return err
		}
		if msg.All {
			fmt.Fprintln(cmd.OutOrStdout(), "flushed all cached permissions")
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "flushed cached permissions of %s\n", flushPrincipal)
		}
		return nil
	},
}

func init() {
	cacheFlushCmd.Flags().StringVar(&flushPrincipal, "principal", "", "only drop this principal's entry")
	cacheCmd.AddCommand(cacheFlushCmd)
	rootCmd.AddCommand(cacheCmd)
}
