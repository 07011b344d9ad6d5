// ABOUTME: Terminal viewer for coven-sessions conversations over the SSE stream
// ABOUTME: Reconnects with backoff, shows sent messages immediately and prints turns as they settle

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/2389/coven-sessions/internal/api"
	"github.com/2389/coven-sessions/internal/reconcile"
)

func main() {
	cfgPath := flag.String("config", configPath(), "config file path")
	server := flag.String("server", "", "server URL (overrides config)")
	archived := flag.Bool("archived", false, "list archived conversations")
	exportPath := flag.String("export", "", "write the conversation as HTML to this file and exit")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: coven-watch [flags] [conversation id or slug]")
		fmt.Fprintln(os.Stderr, "Without a conversation, lists conversations.")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.Server = strings.TrimSuffix(*server, "/")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	src := reconcile.NewHTTPSource(cfg.Server, cfg.token())
	switch {
	case flag.NArg() == 0:
		err = listConversations(ctx, src, *archived)
	case *exportPath != "":
		err = exportConversation(ctx, src, flag.Arg(0), *exportPath)
	default:
		err = watch(ctx, cfg, src, flag.Arg(0))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func listConversations(ctx context.Context, src *reconcile.HTTPSource, archived bool) error {
	convs, err := src.Conversations(ctx, archived)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No conversations")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, c := range convs {
		state := ""
		if c.AgentWorking {
			state = "working"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Slug, c.Model, humanize.Time(c.UpdatedAt), state)
	}
	return w.Flush()
}

// resolve finds a conversation by id or slug, archived ones included.
func resolve(ctx context.Context, src *reconcile.HTTPSource, ref string) (*api.Conversation, error) {
	for _, archived := range []bool{false, true} {
		convs, err := src.Conversations(ctx, archived)
		if err != nil {
			return nil, err
		}
		for _, c := range convs {
			if c.ID == ref || c.Slug == ref {
				return c, nil
			}
		}
	}
	return nil, fmt.Errorf("no conversation %q", ref)
}

func watch(ctx context.Context, cfg *Config, src *reconcile.HTTPSource, ref string) error {
	conv, err := resolve(ctx, src, ref)
	if err != nil {
		return err
	}

	r := newRenderer(os.Stdout, cfg.Display)
	client := reconcile.NewClient(src, conv.ID, reconcile.Options{
		Sender:   src,
		OnChange: r.update,
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	defer client.Close()
	client.Start()

	fmt.Printf("coven-watch %s (%s). Type to send, /help for commands.\n", conv.Slug, cfg.Server)
	return readInput(ctx, client)
}

func readInput(ctx context.Context, client *reconcile.Client) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
			return
		}
		errCh <- io.EOF
	}()

	for {
		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-lines:
		}

		input = strings.TrimSpace(input)
		switch input {
		case "":
			continue
		case "/quit", "/exit", "/q":
			return nil
		case "/retry":
			client.Retry()
			continue
		case "/status":
			s := client.Snapshot()
			fmt.Printf("status=%s working=%t messages=%d last_sequence=%d context=%s tokens\n",
				s.Status, s.Working, len(s.Messages), s.LastSequence, humanize.Comma(int64(s.ContextWindow)))
			continue
		case "/help":
			fmt.Println("Commands:")
			fmt.Println("  /status   Show connection and log state")
			fmt.Println("  /retry    Reconnect now after a disconnect")
			fmt.Println("  /quit     Exit")
			continue
		}

		if err := client.Send(ctx, input); err != nil {
			fmt.Printf("[error] %v\n", err)
		}
	}
}
