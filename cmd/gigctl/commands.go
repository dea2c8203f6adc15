package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/gigchat/internal/api"
	"github.com/urfave/cli/v2"
)

const callTimeout = 30 * time.Second

func callContext(ctx *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Context, callTimeout)
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "Show session and connection status",
	Action: func(ctx *cli.Context) error {
		cctx, cancel := callContext(ctx)
		defer cancel()
		st, err := getClient(ctx).Status(cctx)
		if err != nil {
			return err
		}
		if ctx.Bool("json") {
			outputJSON(st)
			return nil
		}
		fmt.Printf("Profile:    %s\n", st.Profile)
		fmt.Printf("Uptime:     %s\n", time.Duration(st.UptimeMs)*time.Millisecond)
		if !st.LoggedIn {
			fmt.Println("Session:    logged out (run 'gigctl login TOKEN')")
			return nil
		}
		fmt.Printf("User:       %s\n", st.UserID)
		fmt.Printf("Connection: %s since %s\n", st.State, humanize.Time(st.Since))
		if st.LastError != "" {
			fmt.Printf("Last error: %s (attempt %d, next retry %s)\n", st.LastError, st.Attempt, humanize.Time(st.NextRetry))
		}
		fmt.Printf("Unread:     %d\n", st.UnreadTotal)
		if !st.LastSync.IsZero() {
			fmt.Printf("Last sync:  %s\n", humanize.Time(st.LastSync))
		}
		return nil
	},
}

var loginCommand = &cli.Command{
	Name:      "login",
	Usage:     "Start a session with a bearer token",
	ArgsUsage: "[TOKEN]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "token-file", Usage: "read the token from a file"},
	},
	Action: func(ctx *cli.Context) error {
		token := ctx.Args().First()
		if path := ctx.String("token-file"); path != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read token: %w", err)
			}
			token = strings.TrimSpace(string(raw))
		}
		if token == "" {
			return errors.New("a token is required")
		}
		cctx, cancel := callContext(ctx)
		defer cancel()
		resp, err := getClient(ctx).Login(cctx, token)
		if err != nil {
			return err
		}
		fmt.Printf("Logged in as %s\n", resp.UserID)
		return nil
	},
}

var logoutCommand = &cli.Command{
	Name:  "logout",
	Usage: "End the session and forget the token",
	Action: func(ctx *cli.Context) error {
		cctx, cancel := callContext(ctx)
		defer cancel()
		if err := getClient(ctx).Logout(cctx); err != nil {
			return err
		}
		fmt.Println("Logged out")
		return nil
	},
}

var chatsCommand = &cli.Command{
	Name:  "chats",
	Usage: "Refetch and list conversations",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "current", Usage: "conversation to keep active after the refresh"},
	},
	Action: func(ctx *cli.Context) error {
		cctx, cancel := callContext(ctx)
		defer cancel()
		resp, err := getClient(ctx).ListConversations(cctx, ctx.String("current"))
		if err != nil {
			return err
		}
		if ctx.Bool("json") {
			outputJSON(resp)
			return nil
		}
		if len(resp.Conversations) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range resp.Conversations {
			marker := " "
			if c.ID == resp.ActiveID {
				marker = "*"
			}
			fmt.Printf("%s %-24s %-24s %3d  %-8s %s\n", marker, c.ID, c.Title, c.UnreadCount, c.LastMessageTime, c.LastMessage)
		}
		fmt.Printf("\n%d unread\n", resp.UnreadTotal)
		return nil
	},
}

func printConversation(ctx *cli.Context, c api.ConversationView) {
	if ctx.Bool("json") {
		outputJSON(c)
		return
	}
	fmt.Printf("%s (%s)\n", c.Title, c.Type)
	if c.Description != "" {
		fmt.Println(c.Description)
	}
	for _, m := range c.Messages {
		who := "them"
		if m.IsSent {
			who = "me"
		}
		state := ""
		if m.State != "" && m.State != "sent" {
			state = " [" + string(m.State) + "]"
			if m.FailureReason != "" {
				state += " " + m.FailureReason
			}
		}
		fmt.Printf("  %-4s %s%s\n", who, m.Content, state)
		for _, a := range m.Attachments {
			fmt.Printf("       + %s (%s, %s)\n", a.Name, a.Type, a.Size)
		}
	}
}

var showCommand = &cli.Command{
	Name:      "show",
	Usage:     "Show one conversation",
	ArgsUsage: "CONVERSATION",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("usage: gigctl show CONVERSATION")
		}
		cctx, cancel := callContext(ctx)
		defer cancel()
		c, err := getClient(ctx).GetConversation(cctx, ctx.Args().First())
		if err != nil {
			return err
		}
		printConversation(ctx, c)
		return nil
	},
}

var openCommand = &cli.Command{
	Name:      "open",
	Usage:     "Make a conversation the active one",
	ArgsUsage: "CONVERSATION",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("usage: gigctl open CONVERSATION")
		}
		cctx, cancel := callContext(ctx)
		defer cancel()
		c, err := getClient(ctx).SetActiveConversation(cctx, ctx.Args().First())
		if err != nil {
			return err
		}
		printConversation(ctx, c)
		return nil
	},
}

var startCommand = &cli.Command{
	Name:      "start",
	Usage:     "Open the direct conversation with a user",
	ArgsUsage: "RECIPIENT",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("usage: gigctl start RECIPIENT")
		}
		cctx, cancel := callContext(ctx)
		defer cancel()
		id, err := getClient(ctx).StartConversation(cctx, ctx.Args().First())
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

func printReceipt(ctx *cli.Context, r api.SendResponse) error {
	if ctx.Bool("json") {
		outputJSON(r)
	} else {
		fmt.Printf("%s %s", r.ClientID, r.State)
		if r.Reason != "" {
			fmt.Printf(": %s", r.Reason)
		}
		fmt.Println()
	}
	if r.State == "failed" {
		return cli.Exit("", 2)
	}
	return nil
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a message",
	ArgsUsage: "CONVERSATION [TEXT...]",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "file", Aliases: []string{"f"}, Usage: "attach a file (repeatable)"},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() < 1 {
			return errors.New("usage: gigctl send CONVERSATION [TEXT...]")
		}
		// The daemon opens attachments itself, from its own working directory.
		files := ctx.StringSlice("file")
		for i, f := range files {
			abs, err := filepath.Abs(f)
			if err != nil {
				return err
			}
			files[i] = abs
		}
		cctx, cancel := context.WithTimeout(ctx.Context, 5*time.Minute)
		defer cancel()
		resp, err := getClient(ctx).SendMessage(cctx, api.SendMessageRequest{
			ConversationID: ctx.Args().First(),
			Text:           strings.Join(ctx.Args().Tail(), " "),
			Attachments:    files,
		})
		if err != nil {
			return err
		}
		return printReceipt(ctx, resp)
	},
}

var retryCommand = &cli.Command{
	Name:      "retry",
	Usage:     "Resend a failed message",
	ArgsUsage: "CONVERSATION CLIENT_ID",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 2 {
			return errors.New("usage: gigctl retry CONVERSATION CLIENT_ID")
		}
		cctx, cancel := context.WithTimeout(ctx.Context, 5*time.Minute)
		defer cancel()
		resp, err := getClient(ctx).RetryMessage(cctx, ctx.Args().Get(0), ctx.Args().Get(1))
		if err != nil {
			return err
		}
		return printReceipt(ctx, resp)
	},
}

var discardCommand = &cli.Command{
	Name:      "discard",
	Usage:     "Drop a failed message",
	ArgsUsage: "CONVERSATION CLIENT_ID",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 2 {
			return errors.New("usage: gigctl discard CONVERSATION CLIENT_ID")
		}
		cctx, cancel := callContext(ctx)
		defer cancel()
		return getClient(ctx).DiscardMessage(cctx, ctx.Args().Get(0), ctx.Args().Get(1))
	},
}

var seenCommand = &cli.Command{
	Name:      "seen",
	Usage:     "Mark a conversation as read",
	ArgsUsage: "CONVERSATION",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("usage: gigctl seen CONVERSATION")
		}
		cctx, cancel := callContext(ctx)
		defer cancel()
		unread, err := getClient(ctx).MarkSeen(cctx, ctx.Args().First())
		if err != nil {
			return err
		}
		fmt.Printf("%d unread\n", unread)
		return nil
	},
}

var routeCommand = &cli.Command{
	Name:      "route",
	Usage:     "Report the route the UI shows",
	ArgsUsage: "ROUTE",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("usage: gigctl route ROUTE")
		}
		cctx, cancel := callContext(ctx)
		defer cancel()
		resp, err := getClient(ctx).SetRoute(cctx, ctx.Args().First())
		if err != nil {
			return err
		}
		if resp.InMessaging {
			fmt.Println("alerts suppressed")
		} else {
			fmt.Println("alerts enabled")
		}
		return nil
	},
}

var watchCommand = &cli.Command{
	Name:  "watch",
	Usage: "Stream daemon events",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "prefix", Usage: "only kinds starting with this, e.g. alert."},
	},
	Action: func(ctx *cli.Context) error {
		return getClient(ctx).Watch(ctx.Context, ctx.String("prefix"), func(evt api.Event) error {
			if ctx.Bool("json") {
				outputJSON(evt)
				return nil
			}
			ts := time.UnixMilli(evt.OccurredAtUnixMs).Format(time.TimeOnly)
			fmt.Printf("%s %-28s %v\n", ts, evt.Kind, evt.Payload)
			return nil
		})
	},
}
