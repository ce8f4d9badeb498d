// Command jobwatch tails the bridge's realtime channel from a terminal.
// Useful to watch job state transitions and sync progress while debugging,
// and to exercise the reconnecting client outside a browser.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"erp-bridge/internal/logging"
	"erp-bridge/internal/realtime"
)

func main() {
	var (
		hubURL = flag.String("url", "ws://localhost:8080/ws", "websocket endpoint of the bridge")
		token  = flag.String("token", "", "api token, if the bridge requires one")
		level  = flag.String("level", "warn", "log level for connection diagnostics")
	)
	flag.Parse()

	logging.Setup("dev", *level)
	log := logging.Component("jobwatch")

	client, err := realtime.NewClient(*hubURL, *token, realtime.ClientOptions{Log: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobwatch: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("connection loop ended")
		}
	}()

	for ev := range client.Events() {
		line := map[string]any{
			"seq":       ev.Seq,
			"type":      ev.Type,
			"timestamp": ev.Timestamp.Format(time.RFC3339),
			"payload":   ev.Payload,
		}
		out, err := json.Marshal(line)
		if err != nil {
			continue
		}
		fmt.Println(string(out))
	}
}
