package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	crewdeck "github.com/crewdeck/crewdeck-go"
	"github.com/spf13/cobra"
)

var (
	watchGroup         string
	watchConversation  string
	watchNotifications bool
)

func init() {
	watchCmd.Flags().StringVarP(&watchGroup, "group", "g", "", "group ID to watch")
	watchCmd.Flags().StringVarP(&watchConversation, "conversation", "c", "", "conversation ID to watch")
	watchCmd.Flags().BoolVarP(&watchNotifications, "notifications", "n", false, "watch the notification feed")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live events to the terminal",
	Long:  "Watch a group (--group), a direct conversation (--conversation), or the notification feed (--notifications) until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		targets := 0
		for _, set := range []bool{watchGroup != "", watchConversation != "", watchNotifications} {
			if set {
				targets++
			}
		}
		if targets != 1 {
			return fmt.Errorf("exactly one of --group, --conversation or --notifications is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := getClient()
		defer client.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		switch {
		case watchNotifications:
			ch, err := client.Channels().Connect(ctx, crewdeck.ChannelNotifications)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			feed := crewdeck.NewNotificationFeed(ch, nil)
			feed.OnNotification(func(n crewdeck.Notification) {
				fmt.Printf("[%s] %s: %s\n", n.CreatedAt.Local().Format("15:04:05"), n.Type, n.Title)
			})
			feed.OnUnreadCount(func(count int) {
				fmt.Printf("-- %d unread --\n", count)
			})
			feed.Start()
			defer feed.Close()
			fmt.Println("Watching notifications. Ctrl-C to stop.")

		case watchGroup != "":
			ch, err := client.Channels().Connect(ctx, crewdeck.ChannelMessages)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			session := crewdeck.NewGroupSession(client, ch, watchGroup, cfg.Auth.UserID, nil)
			if err := session.Start(ctx); err != nil {
				return fmt.Errorf("join group: %w", err)
			}
			defer session.Close(ctx)
			printHistory(session.Messages())
			crewdeck.OnNewMessage(ch, crewdeck.EventNewMessage, func(m crewdeck.Message) {
				if m.GroupID == watchGroup {
					printMessage(m)
				}
			})
			fmt.Printf("Watching group %s. Ctrl-C to stop.\n", watchGroup)

		default:
			ch, err := client.Channels().Connect(ctx, crewdeck.ChannelConversations)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			session := crewdeck.NewConversationSession(client, client, ch, watchConversation, cfg.Auth.UserID, nil)
			if err := session.Start(ctx); err != nil {
				return fmt.Errorf("join conversation: %w", err)
			}
			defer session.Close(ctx)
			printHistory(session.Messages())
			crewdeck.OnNewMessage(ch, crewdeck.EventNewDirectMessage, func(m crewdeck.Message) {
				if m.ConversationID == watchConversation {
					printMessage(m)
				}
			})
			fmt.Printf("Watching conversation %s. Ctrl-C to stop.\n", watchConversation)
		}

		<-sig
		fmt.Println("\nStopped.")
		return nil
	},
}

func printHistory(msgs []crewdeck.Message) {
	for _, m := range msgs {
		printMessage(m)
	}
}

func printMessage(m crewdeck.Message) {
	ts := m.CreatedAt.Local().Format("15:04:05")
	var rendered strings.Builder
	for _, tok := range crewdeck.MentionTokens(m.Content) {
		if tok.Kind == crewdeck.TokenMention {
			rendered.WriteString("@" + tok.DisplayName)
		} else {
			rendered.WriteString(tok.Text)
		}
	}
	edited := ""
	if m.IsEdited {
		edited = " (edited)"
	}
	fmt.Printf("[%s] %s: %s%s\n", ts, m.AuthorID, rendered.String(), edited)
	for _, a := range m.Attachments {
		fmt.Printf("         attachment: %s (%s, %d bytes)\n", a.FileName, a.MimeType, a.Size)
	}
}
