package main

import (
	"context"
	"fmt"
	"time"

	crewdeck "github.com/crewdeck/crewdeck-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		baseURL := cfg.Default.BaseURL
		if baseURL == "" {
			baseURL = crewdeck.DefaultBaseURL
		}
		fmt.Printf("Server:    %s\n", baseURL)
		if cfg.Auth.Token == "" {
			fmt.Println("Auth:      not configured (run 'crewdeck init <token>')")
		} else {
			fmt.Println("Auth:      token configured")
		}

		worker, store, err := getOfflineWorker(cfg)
		if err != nil {
			fmt.Printf("Queue:     unavailable (%v)\n", err)
		} else {
			depth, qerr := worker.QueueLen()
			if qerr != nil {
				fmt.Printf("Queue:     unavailable (%v)\n", qerr)
			} else {
				fmt.Printf("Queue:     %d pending request(s)\n", depth)
			}
			store.Close()
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		client := getClient()
		defer client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.Conversations(ctx)
		if err != nil {
			fmt.Printf("API:       unreachable (%v)\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("API:       ok (%d conversation(s), %d unread)\n", len(convs), unread)
		return nil
	},
}
