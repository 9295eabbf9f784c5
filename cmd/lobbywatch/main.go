// lobbywatch is a small terminal client that follows one lobby through the
// public API, reconciling its local view from confirmed server responses.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/reconciler"
)

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "API base URL")
		token    = flag.String("token", os.Getenv("LOBBY_TOKEN"), "bearer token (defaults to LOBBY_TOKEN)")
		lobbyID  = flag.String("lobby", "", "lobby id to watch")
		interval = flag.Duration("interval", 2*time.Second, "poll interval")
		join     = flag.Bool("join", false, "join the lobby before watching")
		ready    = flag.Bool("ready", false, "mark ready after joining")
		checkin  = flag.Bool("checkin", false, "redeem the proof token once it appears")
	)
	flag.Parse()

	if *lobbyID == "" {
		log.Fatal("missing -lobby")
	}
	if *token == "" {
		log.Fatal("missing -token (or LOBBY_TOKEN)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	client := reconciler.NewClient(*baseURL, *token)
	rec := reconciler.NewReconciler(client, *lobbyID)

	if *join {
		if _, err := rec.Join(ctx); err != nil {
			log.Fatalf("join failed: %v", err)
		}
		log.Printf("joined lobby %s", *lobbyID)
	}
	if *ready {
		if _, err := rec.SetReady(ctx, true); err != nil {
			log.Fatalf("ready failed: %v", err)
		}
		log.Printf("marked ready in lobby %s", *lobbyID)
	}

	redeemed := false
	rec.Watch(ctx, *interval, func(view *reconciler.View, err error) {
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("poll failed, keeping last confirmed view: %v", err)
			return
		}
		fmt.Println(render(view))

		if *checkin && !redeemed && view.HasProofToken {
			result, err := rec.CheckIn(ctx)
			if err != nil {
				log.Printf("checkin failed: %v", err)
				return
			}
			redeemed = true
			if result.AlreadyIssued {
				log.Printf("checked in (rewards already issued)")
			} else {
				log.Printf("checked in: +%d crystals, +%d coins, level %d",
					result.CrystalsEarned, result.CoinsEarned, result.NewLevel)
			}
		}
	})
}

func render(view *reconciler.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] lobby %s state=%s", view.ObservedAt.Format(time.TimeOnly), view.LobbyID, view.State)
	if view.CountdownRemaining > 0 {
		fmt.Fprintf(&b, " starts_in=%s", view.CountdownRemaining.Round(time.Millisecond))
	}
	if view.HasProofToken {
		b.WriteString(" proof_token=yes")
	}

	names := make([]string, 0, len(view.Participants))
	for _, p := range view.Participants {
		marker := ""
		if p.Ready {
			marker = "*"
		}
		if p.Host {
			marker += "(host)"
		}
		names = append(names, p.UserID+marker)
	}
	sort.Strings(names)
	fmt.Fprintf(&b, " participants=[%s]", strings.Join(names, " "))
	return b.String()
}
