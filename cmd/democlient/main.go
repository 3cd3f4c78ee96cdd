// democlient is a minimal interactive harness over the SDK, grounded on
// server_teacher/main.go's flag-parsing-plus-subcommand-dispatch shape:
// a flag.FlagSet for connection settings, then a positional subcommand.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	privchatsdk "github.com/privchat/privchat-sdk"
)

func main() {
	dataDir := flag.String("data-dir", "./democlient-data", "local store root")
	assetsDir := flag.String("assets-dir", "./migrations", "bundled migration assets directory")
	serverURL := flag.String("server", "tcp://127.0.0.1:9000", "server URL (tcp://, ws://, wss://, quic://)")
	userID := flag.Uint64("user", 1, "local user id")
	sdkVersion := flag.String("sdk-version", "dev", "SDK version recorded in the migration fingerprint")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: democlient [flags] <send|list|sync|retry> [args...]")
		os.Exit(1)
	}

	endpoint, err := privchatsdk.ParseServerURL(*serverURL)
	if err != nil {
		log.Fatalf("[democlient] %v", err)
	}

	cfg := privchatsdk.Config{
		DataDir:           *dataDir,
		AssetsDir:         *assetsDir,
		ServerConfig:      privchatsdk.ServerConfig{Endpoints: []privchatsdk.ServerEndpoint{endpoint}},
		ConnectionTimeout: 10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}

	client, err := privchatsdk.New(cfg)
	if err != nil {
		log.Fatalf("[democlient] invalid config: %v", err)
	}
	if err := client.Initialize(*userID, *sdkVersion); err != nil {
		log.Fatalf("[democlient] initialize: %v", err)
	}
	defer client.Shutdown()

	if !runSubcommand(client, args) {
		fmt.Fprintln(os.Stderr, "unknown subcommand:", args[0])
		os.Exit(1)
	}
}

func runSubcommand(client *privchatsdk.Client, args []string) bool {
	ctx := context.Background()
	switch args[0] {
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: democlient send <channel_id> <text>")
			os.Exit(1)
		}
		channelID, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			log.Fatalf("[democlient] invalid channel id: %v", err)
		}
		localID, nonce, err := client.SendText(ctx, channelID, 0, args[2])
		if err != nil {
			log.Fatalf("[democlient] send: %v", err)
		}
		fmt.Printf("queued local_message_id=%d nonce=%s\n", localID, nonce)
		return true

	case "list":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: democlient list <channel_id>")
			os.Exit(1)
		}
		channelID, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			log.Fatalf("[democlient] invalid channel id: %v", err)
		}
		msgs, err := client.ListMessages(ctx, channelID, 0, 50)
		if err != nil {
			log.Fatalf("[democlient] list: %v", err)
		}
		out, _ := json.MarshalIndent(msgs, "", "  ")
		fmt.Println(string(out))
		return true

	case "retry":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: democlient retry <local_message_id>")
			os.Exit(1)
		}
		localID, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			log.Fatalf("[democlient] invalid local message id: %v", err)
		}
		nonce, err := client.RetryMessage(ctx, localID)
		if err != nil {
			log.Fatalf("[democlient] retry: %v", err)
		}
		fmt.Printf("resubmitted nonce=%s\n", nonce)
		return true

	case "sync":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Connect(connectCtx); err != nil {
			log.Fatalf("[democlient] connect: %v", err)
		}
		if err := client.RunBootstrapSync(ctx); err != nil {
			log.Fatalf("[democlient] sync: %v", err)
		}
		fmt.Println("bootstrap sync complete")
		return true

	default:
		return false
	}
}
