package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"notifyd/internal/app"
	"notifyd/internal/auth"
	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

const shutdownTimeout = 15 * time.Second

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(configPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", configPath, err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(ctx); err != nil {
		return err
	}
	notifySystemd(daemon.SdNotifyReady)

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-ctx.Done():
	}
	notifySystemd(daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// notifySystemd is a no-op outside a systemd unit with Type=notify.
func notifySystemd(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logx.NewConsole("WARN").Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

func runToken(out io.Writer, id, telegram, secret string, ttl time.Duration) error {
	if strings.TrimSpace(secret) == "" {
		secret = os.Getenv("SECRET_KEY")
	}
	if strings.TrimSpace(secret) == "" {
		return errors.New("no secret: pass --secret or set SECRET_KEY")
	}
	tok, err := auth.NewIssuer(secret, ttl).Issue(notify.ReceiverID(strings.TrimSpace(id)), telegram)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, tok)
	return err
}
