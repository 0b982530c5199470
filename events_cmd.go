package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/cyclecoord/cyclecoord/internal/coord"
)

func newEventsCmd() *cobra.Command {
	var pattern string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the event feed of a running execution",
		Long:  "Connects to the websocket event feed of a cyclecoord run in another process and prints events as they arrive. Requires events.feed_addr in the config.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return tailEvents(cmd.Context(), pattern)
		},
	}

	cmd.Flags().StringVar(&pattern, "pattern", "*", "event type glob, e.g. conflict.* or cycle.phase")

	return cmd
}

func tailEvents(parent context.Context, pattern string) error {
	addr := resolvedCfg.Events.FeedAddr
	if addr == "" {
		return fmt.Errorf("events.feed_addr is not configured")
	}

	feedURL := url.URL{
		Scheme:   "ws",
		Host:     addr,
		Path:     "/events",
		RawQuery: url.Values{"pattern": {pattern}}.Encode(),
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.Dial(ctx, feedURL.String(), nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", feedURL.String(), err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var ev coord.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading event: %w", err)
		}
		printEvent(ev)
	}
}

func printEvent(ev coord.Event) {
	if flagJSON {
		line, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Println(string(line))
		return
	}

	var extras []string
	for key, value := range ev.Data {
		extras = append(extras, fmt.Sprintf("%s=%v", key, value))
	}
	sort.Strings(extras)

	cycle := ev.CycleID
	if cycle == "" {
		cycle = "-"
	}
	fmt.Printf("%s %-20s %s %s\n",
		ev.Time.Format("15:04:05.000"), ev.Type, cycle, strings.Join(extras, " "))
}
