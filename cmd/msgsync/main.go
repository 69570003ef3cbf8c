package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/jbaxter/msgsync/internal/chat"
	"github.com/jbaxter/msgsync/internal/config"
	"github.com/jbaxter/msgsync/internal/conn"
	"github.com/jbaxter/msgsync/internal/engine"
	"github.com/jbaxter/msgsync/internal/events"
	"github.com/jbaxter/msgsync/internal/logging"
	"github.com/jbaxter/msgsync/internal/queue"
	"github.com/jbaxter/msgsync/internal/store"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("msgsync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("author", cfg.AuthorID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	emitter := events.New()

	outbound := queue.New(st, queue.Config{
		MaxAttempts: cfg.MaxSendAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	}, emitter, logger)

	client := conn.New(conn.Config{
		URL:                  cfg.ServerURL,
		ConnectTimeout:       cfg.ConnectTimeout,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		LivenessTimeout:      cfg.LivenessTimeout,
		AckTimeout:           cfg.AckTimeout,
		BackoffBase:          cfg.BackoffBase,
		BackoffCap:           cfg.BackoffCap,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ProtocolErrorLimit:   5,
	}, emitter, logger)

	rec := engine.NewReconciler(st, cfg.BackfillMaxRetries, logger)
	coord := engine.NewCoordinator(st, outbound, client, rec,
		engine.Identity{AuthorID: cfg.AuthorID, AuthorName: cfg.AuthorName},
		cfg.EvictBatch, emitter, logger)

	client.OnFrame(coord.HandleFrame)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coord.Run(gctx)
	})

	// reconnectCh carries explicit user reconnect requests after the
	// client has parked (budget exhausted or manual disconnect).
	reconnectCh := make(chan struct{}, 1)

	g.Go(func() error {
		return runConnection(gctx, client, coord, emitter, reconnectCh, logger)
	})

	g.Go(func() error {
		return runConsole(gctx, coord, client, emitter, reconnectCh, logger)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// runConnection drives the connection lifecycle. Each Run call covers
// one reconnect budget; when it parks, the loop waits for an explicit
// user reconnect before trying again.
func runConnection(
	ctx context.Context,
	client *conn.Client,
	coord *engine.Coordinator,
	emitter *events.Emitter,
	reconnectCh <-chan struct{},
	logger *slog.Logger,
) error {
	// A sync pass runs after every successful connect.
	stateCh, unsubscribe := emitter.Subscribe(events.KindConnectionState, 16)
	defer unsubscribe()

	go func() {
		for evt := range stateCh {
			change, ok := evt.Payload.(conn.StateChange)
			if !ok {
				continue
			}
			if change.State == conn.StateConnected {
				coord.RequestSync()
			}
		}
	}()

	for {
		if err := client.Run(ctx); err != nil {
			return err
		}

		// Parked. Message composition still works offline; wait for the
		// user to ask for a reconnect.
		logger.Info("connection parked, use /connect to retry")

		select {
		case <-reconnectCh:
			client.ClearStopped()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runConsole is the interactive surface: plain lines are composed as
// messages, /-commands control the client.
func runConsole(
	ctx context.Context,
	coord *engine.Coordinator,
	client *conn.Client,
	emitter *events.Emitter,
	reconnectCh chan<- struct{},
	logger *slog.Logger,
) error {
	go printEvents(ctx, emitter)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			handleLine(line, coord, client, reconnectCh, logger)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func handleLine(
	line string,
	coord *engine.Coordinator,
	client *conn.Client,
	reconnectCh chan<- struct{},
	logger *slog.Logger,
) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	switch {
	case line == "/connect":
		select {
		case reconnectCh <- struct{}{}:
		default:
		}

	case line == "/disconnect":
		if err := client.Disconnect(); err != nil {
			logger.Warn("disconnect", slog.String("error", err.Error()))
		}

	case line == "/messages":
		msgs, err := coord.Messages()
		if err != nil {
			logger.Warn("loading messages", slog.String("error", err.Error()))
			return
		}
		for _, m := range msgs {
			printMessage(m)
		}

	case strings.HasPrefix(line, "/"):
		fmt.Println("commands: /connect /disconnect /messages")

	default:
		if _, err := coord.Compose(line); err != nil {
			logger.Warn("composing message", slog.String("error", err.Error()))
		}
	}
}

func printEvents(ctx context.Context, emitter *events.Emitter) {
	ch, unsubscribe := emitter.Subscribe("", 64)
	defer unsubscribe()

	for {
		select {
		case evt := <-ch:
			switch evt.Kind {
			case events.KindMessageAdded:
				if m, ok := evt.Payload.(chat.Message); ok {
					printMessage(m)
				}
			case events.KindConnectionState:
				if change, ok := evt.Payload.(conn.StateChange); ok {
					fmt.Printf("* connection: %s\n", change.State)
				}
			case events.KindSyncWarning:
				if msg, ok := evt.Payload.(string); ok {
					fmt.Printf("! %s\n", msg)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

func printMessage(m chat.Message) {
	marker := " "
	switch m.DeliveryState {
	case chat.DeliveryPending, chat.DeliverySent:
		marker = "…"
	case chat.DeliveryFailed:
		marker = "✗"
	}

	fmt.Printf("%s [%s] %s: %s\n", marker, m.FormatCreatedAt(), m.AuthorName, m.Text)
}
