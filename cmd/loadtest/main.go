// Load generator: admits N concurrent clients over the signal
// endpoint, joins them into one room and reports handshake latency.
// With -calls, odd-numbered clients additionally ring their even
// predecessor and wait for the call to connect.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/parley/internal/adapters/rtc"
	"github.com/avolkov/parley/internal/adapters/wsclient"
	"github.com/avolkov/parley/internal/call"
	"github.com/avolkov/parley/internal/core"
	"github.com/avolkov/parley/internal/domain"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/api/ws/signal", "signal endpoint")
	appKey := flag.String("app-key", "", "application key")
	room := flag.String("room", "loadtest", "room to join")
	clients := flag.Int("clients", 50, "number of concurrent clients")
	hold := flag.Duration("hold", 5*time.Second, "time to stay joined")
	calls := flag.Bool("calls", false, "place calls between client pairs")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	type result struct {
		admit   time.Duration
		join    time.Duration
		connect time.Duration
		err     error
	}
	results := make([]result, *clients)

	var wg sync.WaitGroup
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := time.Now()
			c, err := wsclient.Dial(ctx, *url, wsclient.AuthOptions{
				AppKey:      *appKey,
				DisplayName: fmt.Sprintf("load-%03d", i),
			})
			if err != nil {
				results[i].err = err
				return
			}
			defer c.Close()
			results[i].admit = time.Since(start)

			orch := call.New(c.Session().ID, c, rtc.Factory(rtc.DefaultConfig()))
			c.BindOrchestrator(orch)
			defer orch.Shutdown()

			snapshots := make(chan core.RoomStatePayload, 8)
			c.SetRoomOccupantListener(func(snap core.RoomStatePayload) {
				select {
				case snapshots <- snap:
				default:
				}
			})

			start = time.Now()
			snap, err := c.Join(domain.RoomName(*room), true)
			if err != nil {
				results[i].err = err
				return
			}
			results[i].join = time.Since(start)

			if *calls && i%2 == 1 {
				callee := fmt.Sprintf("load-%03d", i-1)
				target := findOccupant(snap, callee)
				// The callee may still be joining; wait for its arrival
				// broadcast.
				waitUntil := time.After(15 * time.Second)
				for target == "" {
					select {
					case s := <-snapshots:
						target = findOccupant(s, callee)
					case <-waitUntil:
						results[i].err = fmt.Errorf("callee %s never joined", callee)
						return
					}
				}
				start = time.Now()
				if err := orch.Call(target); err != nil {
					results[i].err = err
					return
				}
				for orch.GetConnectStatus(target) != call.IsConnected {
					if time.Since(start) > 30*time.Second {
						results[i].err = fmt.Errorf("call to %s never connected", callee)
						return
					}
					time.Sleep(20 * time.Millisecond)
				}
				results[i].connect = time.Since(start)
				defer func() { _ = orch.Hangup(target) }()
			}

			time.Sleep(*hold)
			_ = c.Leave(domain.RoomName(*room))
		}(i)
	}
	wg.Wait()

	var admits, joins, connects []time.Duration
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			continue
		}
		admits = append(admits, r.admit)
		joins = append(joins, r.join)
		if r.connect > 0 {
			connects = append(connects, r.connect)
		}
	}

	fmt.Printf("clients: %d, failed: %d\n", *clients, failed)
	if len(admits) > 0 {
		fmt.Printf("admit   p50=%v p95=%v max=%v\n", pct(admits, 50), pct(admits, 95), pct(admits, 100))
		fmt.Printf("join    p50=%v p95=%v max=%v\n", pct(joins, 50), pct(joins, 95), pct(joins, 100))
	}
	if len(connects) > 0 {
		fmt.Printf("connect p50=%v p95=%v max=%v\n", pct(connects, 50), pct(connects, 95), pct(connects, 100))
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func findOccupant(snap core.RoomStatePayload, displayName string) domain.SessionID {
	for _, occ := range snap.Occupants {
		if occ.DisplayName == displayName {
			return occ.ID
		}
	}
	return ""
}

func pct(ds []time.Duration, p int) time.Duration {
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	idx := len(ds)*p/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(ds) {
		idx = len(ds) - 1
	}
	return ds[idx]
}
