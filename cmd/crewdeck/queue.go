package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueSyncCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay the offline request queue",
	Long:  "Requests issued while offline are logged under ~/.crewdeck/offline and replayed in order once the network returns.",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued requests in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		worker, store, err := getOfflineWorker(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := worker.PendingRequests()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%6d  %-6s %-50s %s\n",
				e.ID, e.Method, e.URL, e.Timestamp.Local().Format(time.RFC3339))
		}
		fmt.Printf("%d request(s) pending.\n", len(entries))
		return nil
	},
}

var queueSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued requests now",
	Long:  "Replay the queue in insertion order. Replay stops at the first failing request; rerun after fixing the cause.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		worker, store, err := getOfflineWorker(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		before, err := worker.QueueLen()
		if err != nil {
			return err
		}
		if before == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		replayErr := worker.Replay(ctx)
		after, _ := worker.QueueLen()
		fmt.Printf("Replayed %d of %d request(s).\n", before-after, before)
		if replayErr != nil {
			return fmt.Errorf("replay halted: %w", replayErr)
		}
		return nil
	},
}
