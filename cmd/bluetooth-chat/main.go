// Command bluetooth-chat is an interactive RFCOMM chat over BlueZ.
//
// Prerequisites
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - RegisterProfile usually needs root: run with sudo if needed.
//   - Secure connections to unpaired devices need a pairing agent
//     (e.g. `bluetoothctl agent on`).
//
// Usage
//
//	bluetooth-chat [-config path] [-enable] [-print-config]
//
// The manager starts listening on both chat services right away, so the
// Android BluetoothChat app can connect to this host. Use /scan and /connect
// to dial out. Configuration is read from bluetooth-chat.yaml in ., ./configs
// or ~/.bluetooth-chat and may be overridden with BTCHAT_* variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/sirupsen/logrus"

	"bluetooth-chat/internal/bluez"
	"bluetooth-chat/internal/config"
	"bluetooth-chat/internal/connmgr"
	"bluetooth-chat/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "bluetooth-chat:", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "path to config file (YAML)")
	printCfg := flag.Bool("print-config", false, "print the effective configuration and exit")
	enable := flag.Bool("enable", false, "power the adapter on if it is off")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if *printCfg {
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	logger, logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	// Context with Ctrl-C / SIGTERM cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bopts := cfg.BluezOptions()
	bopts.Logger = logger
	adapter, err := bluez.New(bopts)
	if err != nil {
		return fmt.Errorf("bluetooth is not available: %w", err)
	}
	defer adapter.Close()

	if err := ensurePowered(ctx, adapter, *enable, logger); err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "chat> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	// Keep log lines from corrupting the prompt when logging to the terminal.
	if cfg.Log.File == "" {
		logger.SetOutput(rl.Stderr())
	}

	mopts := cfg.ManagerOptions()
	mopts.Logger = logger
	mgr, err := connmgr.New(adapter, mopts)
	if err != nil {
		rl.Close()
		return err
	}
	defer mgr.Close()

	c := &chat{
		mgr:          mgr,
		radio:        adapter,
		keys:         keyStore{path: defaultKeyPath()},
		log:          logger.WithField("component", "cli"),
		out:          rl.Stdout(),
		discoverable: cfg.DiscoverableTimeout,
	}
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		c.printEvents(mgr.Events())
	}()

	if err := mgr.Start(); err != nil {
		rl.Close()
		return err
	}
	runREPL(ctx, cancel, rl, c)

	// Close drains the event stream, then the printer returns.
	_ = mgr.Close()
	<-printed
	return nil
}

// ensurePowered fails unless the adapter is powered. With enable it asks
// BlueZ to power on and waits for the adapter to report it.
func ensurePowered(ctx context.Context, a *bluez.Adapter, enable bool, log logrus.FieldLogger) error {
	err := a.Available()
	if err == nil {
		return nil
	}
	if !errors.Is(err, bluez.ErrPoweredOff) || !enable {
		if errors.Is(err, bluez.ErrPoweredOff) {
			return fmt.Errorf("%w (run with -enable to power it on)", err)
		}
		return err
	}

	if err := a.PowerOn(); err != nil {
		return err
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errors.New("bluetooth was not enabled, leaving")
		case <-ticker.C:
			if err := a.Available(); err == nil {
				log.WithField("adapter", a.Path()).Info("bluetooth enabled")
				return nil
			}
		}
	}
}
