// Command tetherprobe connects a single shard with the given bot token and
// prints gateway traffic until interrupted. Useful for verifying a token,
// intents and the rate-limit machinery against the live API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"github.com/linkdata/tether"
)

type printer struct{}

func (printer) HandleDispatch(shardID int, event string, seq int64, data json.RawMessage) {
	fmt.Printf("shard %d seq %d %s (%d bytes)\n", shardID, seq, event, len(data))
}

func (printer) OnLifecycleEvent(shardID int, ev tether.LifecycleEvent) {
	fmt.Printf("shard %d lifecycle %v\n", shardID, ev)
}

func main() {
	token := flag.String("token", os.Getenv("BOT_TOKEN"), "bot token")
	intents := flag.Uint64("intents", uint64(tether.IntentsDefault), "gateway intents bitmask")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "a bot token is required (-token or BOT_TOKEN)")
		os.Exit(2)
	}

	log := zap.NewNop()
	if *verbose {
		var err error
		if log, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := tether.NewClient(*token, tether.WithLogger(log))
	defer client.Close()

	user, err := client.Login(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("logged in: %s\n", string(user))

	var sink printer
	shard := tether.NewShard(client,
		tether.WithIntents(tether.Intents(*intents)),
		tether.WithDispatchHandler(sink),
		tether.WithEventSink(sink),
		tether.WithShardLogger(log),
	)
	defer shard.Stop()

	if err := shard.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
