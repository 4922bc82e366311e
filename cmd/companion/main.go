// Companion is the realtime session core as a terminal client: it maintains
// the chat connection, tracks session completion, and syncs earned rewards
// through the durable outbox.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mindcare/realtime-core/internal/config"
	"github.com/mindcare/realtime-core/internal/dispatch"
	"github.com/mindcare/realtime-core/internal/domain"
	"github.com/mindcare/realtime-core/internal/outbox"
	"github.com/mindcare/realtime-core/internal/realtime"
	"github.com/mindcare/realtime-core/internal/rewards"
	"github.com/mindcare/realtime-core/internal/session"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("Companion exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := outbox.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open outbox store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("Failed to close outbox store", "error", closeErr)
		}
	}()

	client := rewards.NewClient(cfg.RewardBaseURL, cfg.Outbox.SubmitTimeout)
	box, err := outbox.New(ctx, store, client, cfg.UserID, cfg.Outbox.MaxAttempts)
	if err != nil {
		return fmt.Errorf("initialize outbox: %w", err)
	}
	outbox.StartFlushWorker(ctx, box, cfg.Outbox.FlushInterval)

	indicators := dispatch.NewIndicatorStore(cfg.Indicators)
	indicators.Observe(printIndicator)
	dispatcher := dispatch.NewDispatcher(indicators)
	defer dispatcher.Close()

	avatar := dispatch.NewAvatarDriver(func(state dispatch.AvatarState) {
		slog.Debug("Avatar state changed",
			"emotion", state.Emotion,
			"loading", state.Loading,
			"transitioning", state.Transitioning)
	})
	tracker := session.NewTracker(box)

	dispatcher.Subscribe(tracker)
	dispatcher.Subscribe(avatar)
	dispatcher.Subscribe(&printer{})

	mgr := realtime.NewManager(cfg.ServerURL, realtime.WebsocketDialer, cfg.Reconnect)
	mgr.SetFrameHandler(dispatcher.Dispatch)
	mgr.OnStateChange(tracker)

	if err := mgr.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	go readInput(ctx, cfg, mgr, box, stop)

	<-ctx.Done()
	slog.Info("Shutting down...")

	// Teardown mirrors the surface being dismissed: close the connection,
	// run the completion check, then drain the outbox one last time.
	mgr.Disconnect()
	tracker.EvaluateCompletion(domain.TriggerUnmount)

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if result, err := box.Flush(drainCtx); err != nil {
		slog.Error("Final outbox flush failed", "error", err)
	} else if result.Remaining > 0 {
		slog.Info("Rewards still pending, will sync on next start", "remaining", result.Remaining)
	}
	return nil
}

// readInput turns stdin lines into chat messages and slash commands.
func readInput(ctx context.Context, cfg *config.Config, mgr *realtime.Manager, box *outbox.Outbox, stop func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit":
			stop()
			return
		case "/proactive":
			sendOrWarn(ctx, mgr, realtime.EventRequestProactive, mgr.ConnectionID())
			continue
		case "/checkin":
			sendOrWarn(ctx, mgr, realtime.EventInitiateCheckIn, mgr.ConnectionID())
			continue
		case "/status":
			sendOrWarn(ctx, mgr, realtime.EventRequestEmotionalStatus, mgr.ConnectionID())
			continue
		case "/pending":
			for _, ev := range box.Pending() {
				fmt.Printf("  %s %s attempts=%d status=%s\n",
					ev.EnqueuedAt.Format(time.RFC3339), ev.ActivityType, ev.Attempts, ev.Status)
			}
			continue
		case "/retry":
			n := box.RetryFailed(ctx)
			fmt.Printf("  re-armed %d failed reward(s)\n", n)
			continue
		}

		msg := domain.NewUserMessage(line, cfg.UserID, cfg.SupportContext)
		sendOrWarn(ctx, mgr, realtime.EventChatMessage, msg)
	}
	// stdin closed: treat it like the surface going away.
	stop()
}

func sendOrWarn(ctx context.Context, mgr *realtime.Manager, event string, payload any) {
	if err := mgr.Send(ctx, event, payload); err != nil {
		slog.Warn("Failed to send event", "event", event, "error", err)
	}
}

// printer renders dispatched events for the terminal.
type printer struct{}

func (printer) HandleEvent(ev dispatch.Event) {
	switch ev := ev.(type) {
	case dispatch.MessageEvent:
		fmt.Printf("[%s] %s\n", ev.Message.Kind, ev.Message.Text)
	case dispatch.SystemEvent:
		fmt.Printf("[system] %s\n", ev.Message.Text)
	case dispatch.ErrorEvent:
		fmt.Printf("[error] %s\n", ev.Message)
	case dispatch.EmotionalStatusEvent:
		fmt.Printf("[status] %s\n", string(ev.EmotionalState))
	case dispatch.ConnectEvent:
		fmt.Println("[connected]")
	case dispatch.DisconnectEvent:
		fmt.Println("[disconnected]")
	}
}

func printIndicator(kind domain.IndicatorKind, ind *domain.TransientIndicator) {
	if ind == nil {
		fmt.Printf("[indicator] %s cleared\n", kind)
		return
	}
	switch kind {
	case domain.IndicatorTyping:
		fmt.Println("[indicator] typing...")
	case domain.IndicatorEmotionalAwareness:
		fmt.Printf("[indicator] emotions detected: %s\n", strings.Join(ind.Emotions, ", "))
	case domain.IndicatorAiInitiative:
		fmt.Printf("[indicator] %s\n", ind.Message)
	}
}
