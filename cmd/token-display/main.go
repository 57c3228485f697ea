package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-token-queue/internal/api"
	"github.com/hackgods/clinic-token-queue/internal/logging"
	"github.com/hackgods/clinic-token-queue/internal/queue"
)

type displayOptions struct {
	server   string
	provider string
	date     string
	logLevel string
}

func main() {
	opts := displayOptions{}

	rootCmd := &cobra.Command{
		Use:   "token-display",
		Short: "Waiting-room board that follows a provider's live queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.provider == "" {
				return errors.New("--provider is required")
			}
			log := logging.New("dev", opts.logLevel)
			return follow(cmd.Context(), opts, cmd.OutOrStdout(), log)
		},
	}
	rootCmd.Flags().StringVar(&opts.server, "server", "ws://localhost:8080", "api-server base URL")
	rootCmd.Flags().StringVar(&opts.provider, "provider", "", "provider id to display")
	rootCmd.Flags().StringVar(&opts.date, "date", "", "service date (YYYY-MM-DD), today on the server when empty")
	rootCmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "log level")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func streamURL(opts displayOptions) (string, error) {
	u, err := url.Parse(opts.server)
	if err != nil {
		return "", fmt.Errorf("invalid --server: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/providers/" + url.PathEscape(opts.provider) + "/queue/stream"
	if opts.date != "" {
		u.RawQuery = url.Values{"date": {opts.date}}.Encode()
	}
	return u.String(), nil
}

// follow keeps the board connected, reconnecting with backoff until ctx ends.
func follow(ctx context.Context, opts displayOptions, out io.Writer, log zerolog.Logger) error {
	target, err := streamURL(opts)
	if err != nil {
		return err
	}

	backoff := time.Second
	for {
		err := watch(ctx, target, out, log)
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("queue stream lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 15*time.Second {
			backoff *= 2
		}
	}
}

func watch(ctx context.Context, target string, out io.Writer, log zerolog.Logger) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer ws.Close()
	log.Info().Str("url", target).Msg("connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		ws.Close()
	}()

	for {
		var msg api.StreamMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Type != api.StreamMessageQueue {
			continue
		}
		render(out, msg.Queue)
	}
}

func render(out io.Writer, v queue.QueueView) {
	serving := "-"
	if v.Current != nil {
		serving = fmt.Sprintf("%d  %s", v.Current.Token(), v.Current.Patient.Name)
	}
	next := "-"
	if v.Next != nil {
		next = fmt.Sprintf("%d", v.Next.Token())
	}

	fmt.Fprintf(out, "\n[%s]  %s\n", v.Partition.Date, v.Partition.ProviderID)
	fmt.Fprintf(out, "  NOW SERVING : %s\n", serving)
	fmt.Fprintf(out, "  NEXT        : %s\n", next)
	if v.AboutToBeCalled != nil {
		fmt.Fprintf(out, "  PLEASE COME : token %d\n", v.AboutToBeCalled.Token())
	}
	fmt.Fprintf(out, "  waiting %d  done %d  last token %d\n", v.WaitingCount, v.CompletedCount, v.LastIssuedToken)
}
