package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"evmarket/web/internal/config"
	"evmarket/web/internal/logging"
	"evmarket/web/internal/payments/callback"
	"evmarket/web/internal/payments/oracle"
	"evmarket/web/internal/reconcile"
)

func main() {
	backendFlag := flag.String("backend", os.Getenv("BACKEND_URL"), "backend base URL")
	secretFlag := flag.String("jwt-secret", os.Getenv("BACKEND_JWT_SECRET"), "backend JWT secret")
	landingFlag := flag.String("landing", "/", "landing URL reported at navigation")
	timeoutFlag := flag.Duration("timeout", 2*time.Minute, "overall reconciliation timeout")
	levelFlag := flag.String("log-level", "info", "log level: debug|info|warn|error")
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: paywatch [-backend URL] \"<callback-url>\"")
		os.Exit(2)
	}
	if strings.TrimSpace(*backendFlag) == "" {
		fmt.Fprintln(os.Stderr, "backend URL is required (-backend or BACKEND_URL)")
		os.Exit(2)
	}

	cc, err := callback.ParseURL(strings.TrimSpace(flag.Arg(0)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid callback url: %v\n", err)
		os.Exit(2)
	}

	logger, cleanup, err := logging.New(config.LoggingConfig{Level: *levelFlag, Format: "text"}, "paywatch")
	if err != nil {
		fmt.Fprintf(os.Stderr, "log error: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = cleanup()
	}()

	backend := oracle.NewClient(oracle.Config{BaseURL: *backendFlag}, oracle.NewTokenSource(oracle.TokenConfig{Secret: *secretFlag}), nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	// The engine parks once the not-found budget is spent; nobody can retry here.
	ctx, giveUp := context.WithCancel(ctx)
	defer giveUp()

	engine := reconcile.New(cc, backend,
		reconcile.WithLogger(logger),
		reconcile.WithNavigator(reconcile.NavigatorFunc(func() {
			fmt.Printf("navigate %s\n", *landingFlag)
		})),
		reconcile.WithHooks(reconcile.Hooks{
			OnState: func(s reconcile.State) {
				fmt.Printf("state %s\n", s)
				if s.Kind == reconcile.KindNotFound && s.Attempt >= reconcile.MaxNotFoundAttempts {
					giveUp()
				}
			},
			OnCountdown: func(remaining int) {
				fmt.Printf("redirecting in %d\n", remaining)
			},
		}),
	)
	final := engine.Run(ctx)

	switch {
	case final.Kind == reconcile.KindCompleted:
		return
	case final.Kind == reconcile.KindNotFound && final.Attempt >= reconcile.MaxNotFoundAttempts:
		fmt.Fprintf(os.Stderr, "order %s not found after %d attempts\n", cc.OrderID, final.Attempt)
		os.Exit(1)
	case !final.Terminal():
		fmt.Fprintf(os.Stderr, "stopped in %s: %v\n", final, ctx.Err())
		os.Exit(1)
	default:
		if final.Err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", final, final.Err)
		}
		os.Exit(1)
	}
}
