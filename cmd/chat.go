package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/xpress/internal/api"
	"github.com/xpress/internal/conversation"
	"github.com/xpress/internal/identity"
	"github.com/xpress/internal/sessions"
)

// ChatCommand submits one message from the terminal and prints the reply as
// it streams.
func ChatCommand() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "Send a message to a pane and stream the reply",
		ArgsUsage: "[MESSAGE]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "pane",
				Usage: "Pane to submit to (research or writer)",
				Value: string(sessions.PaneResearch),
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "Session ID (defaults to the selected session)",
			},
			&cli.StringFlag{
				Name:    "user",
				Usage:   "User ID whose sessions are used",
				Value:   "local",
				EnvVars: []string{"XPRESS_USER"},
			},
			&cli.BoolFlag{
				Name:  "memory",
				Usage: "Use in-memory stores",
			},
		},
		Action: runChat,
	}
}

func runChat(c *cli.Context) error {
	pane, err := sessions.ParsePane(c.String("pane"))
	if err != nil {
		return err
	}
	input := strings.Join(c.Args().Slice(), " ")
	if input == "" {
		data, err := io.ReadAll(bufio.NewReader(os.Stdin))
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		input = string(data)
	}
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("missing required argument: MESSAGE")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	rt, err := newRuntime(ctx, cfg, c.Bool("memory"))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.Close(closeCtx)
	}()

	hub := api.NewHub(rt.deps())
	defer hub.Close()
	rt.patchMirrors(hub)

	ws, err := hub.Workspace(ctx, &identity.User{ID: c.String("user")})
	if err != nil {
		return err
	}
	if id := c.String("session"); id != "" {
		if err := ws.Select(ctx, id); err != nil {
			return fmt.Errorf("failed to select session %s: %w", id, err)
		}
	}

	h, err := ws.Pane(pane).Submit(ctx, input)
	if err != nil {
		return err
	}
	return printStream(ctx, os.Stdout, h)
}

// printStream writes each update's new suffix. Updates carry the full
// content so far.
func printStream(ctx context.Context, w io.Writer, h *conversation.StreamHandle) error {
	printed := 0
	updates := h.Updates()
	for updates != nil {
		select {
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if len(u.Content) > printed {
				fmt.Fprint(w, u.Content[printed:])
				printed = len(u.Content)
			}
		case <-ctx.Done():
			h.Cancel()
			ctx = context.Background()
		}
	}
	fmt.Fprintln(w)

	res := h.Wait()
	switch res.Outcome {
	case conversation.OutcomeCompleted, conversation.OutcomeCancelled:
		return nil
	default:
		return fmt.Errorf("%s", conversation.NoticeText(res.Err))
	}
}
