package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/gigchat/internal/backendsim"
	"github.com/matheus3301/gigchat/internal/protocol"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "gigsim",
		Usage: "Run an in-memory marketplace messaging backend",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "secret", Usage: "HS256 signing secret", Value: "gigsim-dev-secret", EnvVars: []string{"GIGSIM_SECRET"}},
		},
		Commands: []*cli.Command{serveCommand, tokenCommand},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Serve /chat, /upload and /ws with demo data",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "addr", Value: "127.0.0.1:8080", EnvVars: []string{"GIGSIM_ADDR"}},
		&cli.DurationFlag{Name: "chatter", Usage: "post a message from bob to alice at this interval (0 = off)"},
		&cli.DurationFlag{Name: "token-ttl", Value: 24 * time.Hour},
	},
	Action: func(ctx *cli.Context) error {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		sim := backendsim.New([]byte(ctx.String("secret")), logger)
		direct, err := seed(sim)
		if err != nil {
			return err
		}
		for _, id := range []string{"alice", "bob", "carol"} {
			tok, err := sim.IssueToken(id, ctx.Duration("token-ttl"))
			if err != nil {
				return err
			}
			logger.Info("demo token", zap.String("user", id), zap.String("token", tok))
		}

		runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		if every := ctx.Duration("chatter"); every > 0 {
			go chatter(runCtx, sim, direct, every, logger)
		}

		srv := &http.Server{Addr: ctx.String("addr"), Handler: sim.Handler(), ReadHeaderTimeout: 10 * time.Second}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		logger.Info("gigsim listening", zap.String("addr", srv.Addr))

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-runCtx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

var tokenCommand = &cli.Command{
	Name:      "token",
	Usage:     "Print a token for a demo user",
	ArgsUsage: "USER",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("usage: gigsim token USER")
		}
		sim := backendsim.New([]byte(ctx.String("secret")), nil)
		if _, err := seed(sim); err != nil {
			return err
		}
		tok, err := sim.IssueToken(ctx.Args().First(), ctx.Duration("ttl"))
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

// seed loads the demo users and conversations and returns the id of the
// alice/bob conversation.
func seed(sim *backendsim.Server) (string, error) {
	sim.AddUser(demoUser("alice", "Alice", "Moreira", "Product designer"))
	sim.AddUser(demoUser("bob", "Bob", "Ferreira", "Backend engineer"))
	sim.AddUser(demoUser("carol", "Carol", "Nunes", "Recruiter"))

	direct, err := sim.CreateConversation(protocol.TypeDirect, "", "alice", "bob")
	if err != nil {
		return "", err
	}
	if _, err := sim.PostMessage(direct, "bob", "Hi Alice, I saw your portfolio. Are you taking new projects?"); err != nil {
		return "", err
	}
	group, err := sim.CreateConversation(protocol.TypeGroup, "Landing page revamp", "alice", "bob", "carol")
	if err != nil {
		return "", err
	}
	if _, err := sim.PostMessage(group, "carol", "Kickoff is on Monday."); err != nil {
		return "", err
	}
	return direct, nil
}

func demoUser(id, first, last, title string) protocol.Participant {
	p := protocol.Participant{ID: id, FirstName: first, LastName: last, Status: "offline"}
	p.Profile = &protocol.Bio{Bio: &struct {
		Title string `json:"title"`
	}{Title: title}}
	return p
}

func chatter(ctx context.Context, sim *backendsim.Server, convID string, every time.Duration, logger *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := sim.PostMessage(convID, "bob", fmt.Sprintf("Quick follow-up #%d about the milestone schedule", n)); err != nil {
				logger.Warn("chatter failed", zap.Error(err))
			}
		}
	}
}
