package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/matheus3301/gigchat/internal/api"
	"github.com/matheus3301/gigchat/internal/profile"
	"github.com/urfave/cli/v2"
)

type contextKey int

const contextKeyClient contextKey = iota

func getClient(ctx *cli.Context) *api.Client {
	return ctx.Context.Value(contextKeyClient).(*api.Client)
}

// connect dials the daemon of the selected profile.
func connect(ctx *cli.Context) error {
	name := profile.Resolve(ctx.String("profile"))
	if err := profile.ValidateName(name); err != nil {
		return err
	}
	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyClient, c)
	return nil
}

func disconnect(ctx *cli.Context) error {
	if c, ok := ctx.Context.Value(contextKeyClient).(*api.Client); ok {
		return c.Close()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "gigctl",
		Usage: "Control a gigchat daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "profile", Usage: "profile name (overrides config default)", EnvVars: []string{"GIGCHAT_PROFILE"}},
			&cli.BoolFlag{Name: "json", Usage: "output in JSON format"},
		},
		Before: connect,
		After:  disconnect,
		Commands: []*cli.Command{
			statusCommand,
			loginCommand,
			logoutCommand,
			chatsCommand,
			showCommand,
			openCommand,
			startCommand,
			sendCommand,
			retryCommand,
			discardCommand,
			seenCommand,
			routeCommand,
			watchCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
