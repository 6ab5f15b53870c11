package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"go.uber.org/automaxprocs/maxprocs"

	appLog "agenda/internal/log"
)

const version = "0.3.0"

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		appLog.Debug("maxprocs", "detail", fmt.Sprintf(format, args...))
	})); err != nil {
		appLog.Error("failed to set GOMAXPROCS", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, os.Args[1:], newEnv()); err != nil {
		appLog.Error("agenda failed", err)
		os.Exit(1)
	}
}

// run parses args and executes the selected command.
func run(ctx context.Context, args []string, e *env) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("agenda"),
		kong.Description("Merge iCalendar feeds into a day-by-day agenda."),
		kong.UsageOnError(),
		kong.Writers(e.out, e.errOut),
		kong.Vars{"version": version},
		kong.Exit(e.exit),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kctx.Run(&cli.RootFlags, e)
}
