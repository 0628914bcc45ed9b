package main

import (
	"context"
	"fmt"
	"time"

	crewdeck "github.com/crewdeck/crewdeck-go"
	"github.com/spf13/cobra"
)

var (
	sendGroup   string
	sendUser    string
	sendReplyTo string
)

func init() {
	sendCmd.Flags().StringVarP(&sendGroup, "group", "g", "", "group ID to send into")
	sendCmd.Flags().StringVarP(&sendUser, "user", "u", "", "user ID to message directly")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "message ID to reply to")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <content>",
	Short: "Send a chat message",
	Long:  "Send a message into a group (--group) or to a user directly (--user).\nMentions use the @[Display Name](user-id) form.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := args[0]
		if (sendGroup == "") == (sendUser == "") {
			return fmt.Errorf("exactly one of --group or --user is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := getClient()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var opts *crewdeck.SendOptions
		if sendReplyTo != "" {
			opts = &crewdeck.SendOptions{ReplyToID: sendReplyTo}
		}

		if sendGroup != "" {
			ch, err := client.Channels().Connect(ctx, crewdeck.ChannelMessages)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			session := crewdeck.NewGroupSession(client, ch, sendGroup, cfg.Auth.UserID, nil)
			if err := session.Start(ctx); err != nil {
				return fmt.Errorf("join group: %w", err)
			}
			defer session.Close(ctx)
			if err := session.Send(ctx, content, opts); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			fmt.Printf("Sent to group %s\n", sendGroup)
			return nil
		}

		conv, err := client.OpenDirectConversation(ctx, sendUser)
		if err != nil {
			return err
		}
		ch, err := client.Channels().Connect(ctx, crewdeck.ChannelConversations)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		session := crewdeck.NewConversationSession(client, client, ch, conv.ID, cfg.Auth.UserID, nil)
		if err := session.Start(ctx); err != nil {
			return fmt.Errorf("join conversation: %w", err)
		}
		defer session.Close(ctx)
		if err := session.Send(ctx, content, opts); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		fmt.Printf("Sent to %s (conversation %s)\n", sendUser, conv.ID)
		return nil
	},
}
