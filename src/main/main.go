// server-vibe-agent is the desktop half of a phone-to-desktop command
// bridge: the phone app inserts rows into a Supabase commands table, this
// process claims them one at a time and executes them against the local
// machine (shell, app launch, screenshots, IDE chat automation), then writes
// the outcome back.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"server-vibe-agent/src/applaunch"
	"server-vibe-agent/src/config"
	"server-vibe-agent/src/dispatch"
	"server-vibe-agent/src/driver"
	"server-vibe-agent/src/feed"
	"server-vibe-agent/src/hotkey"
	"server-vibe-agent/src/ide"
	"server-vibe-agent/src/logutil"
	"server-vibe-agent/src/queue"
	"server-vibe-agent/src/singleinstance"
	"server-vibe-agent/src/worker"
)

func main() {
	enableDPIAwareness()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logutil.Setup(cfg.EnableFileLogging)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Starting agent (Supabase %s, key %s)", cfg.SupabaseURL, logutil.RedactKey(cfg.SupabaseKey))

	// One agent per machine: two instances would fight over the same mouse
	// and claim each other's commands.
	lock, err := singleinstance.Acquire(cfg.LockPort)
	if err != nil {
		if errors.Is(err, singleinstance.ErrAlreadyRunning) {
			fmt.Fprintf(os.Stderr, "Another agent instance is already running (port %d)\n", cfg.LockPort)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to acquire instance lock: %v\n", err)
		}
		os.Exit(1)
	}
	defer lock.Release()
	log.Printf("Instance lock held on port %d", lock.Port())

	if err := driver.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Desktop driver init failed: %v\n", err)
		os.Exit(1)
	}
	d := driver.New()

	client := queue.NewClient(queue.Options{
		BaseURL:     cfg.SupabaseURL,
		APIKey:      cfg.SupabaseKey,
		UserFilter:  cfg.AgentUserID,
		MaxBatch:    cfg.PollMaxBatch,
		LogMaxChars: cfg.LogMaxChars,
	})
	notifier := queue.NewNotifier(cfg.SupabaseURL, cfg.SupabaseKey, cfg.AgentUserID)
	commandFeed := feed.New(2 * cfg.PollMaxBatch)
	launcher := applaunch.New(cfg.AppAllowlist)
	if len(cfg.AppAllowlist) > 0 {
		log.Printf("App allow-list overrides: %v", config.SortedAllowlistKeys(cfg.AppAllowlist))
	}
	ideCtrl := ide.NewController(d, cfg.IDE)
	runner := worker.NewRunner()
	defer runner.Close()

	dispatcher := dispatch.New(dispatch.Options{
		Backend:          client,
		IDE:              ideCtrl,
		Launcher:         launcher,
		Screen:           d,
		Feed:             commandFeed,
		Runner:           runner,
		PollInterval:     cfg.PollInterval,
		CommandTimeout:   cfg.CommandTimeout,
		LogFlushInterval: cfg.LogFlushInterval,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hotkey.ListenStop(cfg.StopHotkey, func() {
		log.Printf("Stop hotkey pressed, shutting down")
		cancel()
	})

	if err := config.Watch(ctx, cfg, func(fresh *config.Config) {
		ideCtrl.Reload(fresh.IDE)
	}); err != nil {
		log.Printf("Config watch unavailable: %v", err)
	}

	go notifier.Run(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-notifier.Commands():
				commandFeed.Offer(cmd)
			}
		}
	}()

	dispatcher.Run(ctx)
	log.Printf("Agent stopped")
}
