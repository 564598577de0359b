// Command fcm-listener registers web push receivers with FCM and listens for
// their messages over a persistent MCS connection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fcm-listener/internal/config"
	"github.com/and161185/fcm-listener/internal/model"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func usage(w io.Writer) {
	fmt.Fprint(w, `fcm-listener
Usage:
  fcm-listener <cmd> [flags]

Commands:
  version
  register                         create a receiver (needs -app-id, -project-id, -api-key)
  list                             show stored registrations
  listen   [-registration <uuid>]  print messages as JSON lines (all registrations by default)
  ids      -registration <uuid> [-clear]
  delete   -registration <uuid>

Run "fcm-listener <cmd> -h" for the shared connection and storage flags.
`)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 2
	}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "fcm-listener %s (%s)\n", version, buildDate)
		return 0
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	case "register", "list", "listen", "ids", "delete":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		usage(stderr)
		return 2
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	regFlag := fs.String("registration", "", "registration id")
	clearIDs := fs.Bool("clear", false, "ids: delete the stored persistent ids")
	cfg, err := config.Load(fs, rest)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var regID uuid.UUID
	if *regFlag != "" {
		if regID, err = uuid.FromString(*regFlag); err != nil {
			fmt.Fprintf(stderr, "bad -registration: %v\n", err)
			return 2
		}
	} else if cmd == "ids" || cmd == "delete" {
		fmt.Fprintln(stderr, "need -registration")
		return 2
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup", zap.Error(err))
		return 1
	}
	defer a.Close()

	switch cmd {
	case "register":
		err = a.register(ctx, stdout)
	case "list":
		err = a.list(ctx, stdout)
	case "listen":
		err = a.listen(ctx, regID, stdout)
	case "ids":
		err = a.ids(ctx, regID, *clearIDs, stdout)
	case "delete":
		err = a.store.regs.Delete(ctx, regID)
	}
	if err != nil {
		logger.Error(cmd+" failed", zap.Error(err))
		return 1
	}
	return 0
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func (a *app) register(ctx context.Context, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	reg, err := a.registrar.Register(ctx, a.cfg.Firebase)
	if err != nil {
		return err
	}
	printJSON(w, summarize(reg))
	return nil
}

func (a *app) list(ctx context.Context, w io.Writer) error {
	regs, err := a.store.regs.List(ctx)
	if err != nil {
		return err
	}
	out := make([]registrationSummary, 0, len(regs))
	for _, r := range regs {
		out = append(out, summarize(r))
	}
	printJSON(w, out)
	return nil
}

func (a *app) ids(ctx context.Context, regID uuid.UUID, clearIDs bool, w io.Writer) error {
	if clearIDs {
		n, err := a.store.ids.Clear(ctx, regID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "removed %d persistent ids\n", n)
		return nil
	}
	ids, err := a.store.ids.List(ctx, regID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
	return nil
}

// listen runs a session per selected registration and prints events until
// interrupted or every session ends.
func (a *app) listen(ctx context.Context, regID uuid.UUID, w io.Writer) error {
	var regs []model.Registration
	if regID != uuid.Nil {
		reg, err := a.store.regs.Get(ctx, regID)
		if err != nil {
			return err
		}
		regs = append(regs, *reg)
	} else {
		var err error
		if regs, err = a.store.regs.List(ctx); err != nil {
			return err
		}
	}
	if len(regs) == 0 {
		return errors.New("no registrations; run register first")
	}

	out := newEventWriter(w)
	results := make(chan error, len(regs))
	for _, reg := range regs {
		seen, err := a.store.ids.List(ctx, reg.ID)
		if err != nil {
			return err
		}
		events, err := a.listener.Listen(ctx, reg, seen)
		if err != nil {
			return err
		}
		a.log.Info("listening",
			zap.String("registration", reg.ID.String()),
			zap.Int64("device_id", reg.Identity.DeviceID),
			zap.Int("seen_ids", len(seen)))
		go func(id uuid.UUID) {
			var terminal error
			for ev := range events {
				out.write(id, ev)
				if ev.Terminal {
					terminal = ev.Err
				}
			}
			results <- terminal
		}(reg.ID)
	}

	var errsOut []error
	for range regs {
		if err := <-results; err != nil {
			errsOut = append(errsOut, err)
		}
	}
	return errors.Join(errsOut...)
}
