// banchess-client is a diagnostic session watcher: it joins a session over
// the sync WebSocket, keeps a reconciled replica and prints every update.
// Useful for poking at a running coordinator without a real frontend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kapu/banchess-server/internal/oracle"
	"github.com/kapu/banchess-server/internal/oracle/banchess"
	"github.com/kapu/banchess-server/internal/reconcile"
)

func main() {
	wsURL := flag.String("ws", envDefault("BANCHESS_WS_URL", "ws://localhost:8080/ws"), "sync WebSocket URL")
	sessionID := flag.String("session", os.Getenv("BANCHESS_SESSION_ID"), "session id to join")
	playerID := flag.String("player", os.Getenv("BANCHESS_PLAYER_ID"), "player id")
	action := flag.String("action", "", "optional action to submit after sync (b:<uci> or m:<uci>)")
	watch := flag.Duration("watch", 30*time.Second, "how long to observe before exiting")
	flag.Parse()

	if *sessionID == "" {
		log.Fatal("-session (or BANCHESS_SESSION_ID) is required")
	}
	if *playerID == "" {
		log.Fatal("-player (or BANCHESS_PLAYER_ID) is required")
	}

	client := reconcile.NewClient(banchess.New(), *wsURL, *sessionID, *playerID)
	client.R.OnUpdate(func() {
		clocks := client.R.Clocks()
		fmt.Printf("ply=%d position=%q white=%dms black=%dms\n",
			client.R.Ply(), client.R.Position(), clocks.WhiteMs, clocks.BlackMs)
	})
	done := make(chan struct{}, 1)
	client.R.OnTerminal(func(outcome, reason string) {
		fmt.Printf("terminal outcome=%s reason=%s\n", outcome, reason)
		select {
		case done <- struct{}{}:
		default:
		}
	})
	client.R.OnError(func(kind, message string) {
		fmt.Printf("error kind=%s message=%q\n", kind, message)
	})
	client.OnState(func(state reconcile.ConnState) {
		log.Printf("ws state: %s", state)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.WS.Connect(ctx); err != nil {
		log.Fatalf("connect error: %v", err)
	}

	if *action != "" {
		// give the join round-trip a moment so the replica is synced first
		time.Sleep(500 * time.Millisecond)
		phase, uci, ok := oracle.DecodeAction(*action)
		if !ok {
			log.Fatalf("unparseable action %q", *action)
		}
		var err error
		if phase == oracle.PhaseBan {
			err = client.R.SubmitBan(uci)
		} else {
			err = client.R.SubmitMove(uci)
		}
		if err != nil {
			log.Printf("submit error: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(*watch):
	}
	_ = client.WS.Close(context.Background())
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
