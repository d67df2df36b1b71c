package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mercadillo "github.com/mercadillo-io/mercadillo/sdk/golang"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// chat open
	chatOpenSeller   string
	chatOpenCustomer string
	chatOpenProduct  string
	chatOpenMessage  string

	// chat watch
	chatWatchConversation string
	chatWatchPollOnly     bool
	chatWatchVerbose      bool
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatOpenCmd)
	chatCmd.AddCommand(chatWatchCmd)

	chatOpenCmd.Flags().StringVar(&chatOpenSeller, "seller", "", "seller user id")
	chatOpenCmd.Flags().StringVar(&chatOpenCustomer, "customer", "", "customer user id (defaults to the signed-in user)")
	chatOpenCmd.Flags().StringVar(&chatOpenProduct, "product", "", "product label for the conversation")
	chatOpenCmd.Flags().StringVar(&chatOpenMessage, "message", "", "initial message to send")

	chatWatchCmd.Flags().StringVar(&chatWatchConversation, "conversation", "", "conversation to select on start")
	chatWatchCmd.Flags().BoolVar(&chatWatchPollOnly, "poll-only", false, "skip the push transport and rely on polling")
	chatWatchCmd.Flags().BoolVar(&chatWatchVerbose, "verbose", false, "log engine internals to stderr")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Marketplace chat commands",
	Long:  "Interact with Mercadillo chat: list conversations, read history, send messages, and watch threads live.",
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations by recency",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		conversations, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		if len(conversations) == 0 {
			fmt.Println("No conversations.")
			return nil
		}

		for _, conv := range conversations {
			unread := ""
			if conv.UnreadCount > 0 {
				unread = fmt.Sprintf(" [%d unread]", conv.UnreadCount)
			}
			name := valueOrDefault(conv.SellerName, strings.Join(conv.ParticipantIDs, ", "))
			fmt.Printf("%s  %s  %s%s\n", conv.ID, formatMillis(conv.Timestamp), name, unread)
			if conv.LastMessage != "" {
				fmt.Printf("    %s\n", conv.LastMessage)
			}
		}
		return nil
	},
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the ordered message history of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		messages, err := client.GetMessages(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get messages: %w", err)
		}
		for _, msg := range messages {
			fmt.Printf("[%s] %s (%s): %s\n", formatMillis(msg.CreatedAt), msg.SenderID, msg.From, msg.Content)
		}
		return nil
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a message to a thread",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		content := strings.Join(args[1:], " ")
		msg, err := client.SendMessage(ctx, mercadillo.SendMessageInput{
			ConversationID: args[0],
			Content:        content,
		})
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		fmt.Printf("Sent %s at %s\n", msg.ID, formatMillis(msg.CreatedAt))
		return nil
	},
}

var chatOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open (or create) a conversation with a seller",
	RunE: func(cmd *cobra.Command, args []string) error {
		if chatOpenSeller == "" {
			return fmt.Errorf("--seller is required")
		}
		client := getClient()
		engine := newEngine(client, false, false)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		customer := chatOpenCustomer
		if customer == "" {
			customer = client.Identity().UserID
		}

		if err := engine.RefreshConversations(ctx); err != nil {
			return err
		}
		if err := engine.OpenChat(ctx, mercadillo.OpenChatInput{
			SellerID:       chatOpenSeller,
			CustomerID:     customer,
			Product:        chatOpenProduct,
			InitialMessage: chatOpenMessage,
		}); err != nil {
			return fmt.Errorf("open chat: %w", err)
		}

		fmt.Printf("Active conversation: %s\n", engine.ActiveConversationID())
		return nil
	},
}

var chatWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the sync engine and print activity live",
	Long:  "Start the chat synchronization engine (push transport plus polling) and print inbound messages, typing indicators, and toasts until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		engine := newEngine(client, !chatWatchPollOnly, chatWatchVerbose)

		engine.OnInboundMessage(func(ev mercadillo.InboundEvent) {
			fmt.Printf("[%s] message from %s in %s\n", formatMillis(ev.CreatedAt), ev.SenderID, ev.ConversationID)
		})
		engine.OnTypingIndicator(func(p mercadillo.TypingIndicatorPayload) {
			if p.IsTyping {
				fmt.Printf("%s is typing in %s...\n", p.UserID, p.ConversationID)
			}
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine.Start(ctx)
		defer engine.Stop()

		if chatWatchConversation != "" {
			engine.SelectConversation(ctx, chatWatchConversation)
		}

		fmt.Println("Watching. Press Ctrl+C to stop.")
		<-ctx.Done()
		return nil
	},
}

// newEngine assembles a CLI engine around client. Toasts print to stdout;
// engine internals log to stderr when verbose is set.
func newEngine(client *mercadillo.Client, withTransport, verbose bool) *mercadillo.Engine {
	opts := []mercadillo.EngineOption{
		mercadillo.WithNotifier(mercadillo.NotifierFunc(func(message string, onClick func()) {
			fmt.Printf("* %s\n", message)
		})),
	}
	if !withTransport {
		opts = append(opts, mercadillo.WithTransportProviders())
	}
	if verbose {
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		opts = append(opts, mercadillo.WithLogger(log))
	}

	engine := mercadillo.NewEngine(client, opts...)
	engine.SetCredential(client.Token())
	return engine
}
