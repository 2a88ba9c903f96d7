package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/sim/changeset"
	"worldledger.ai/internal/sim/store"
	"worldledger.ai/internal/syncproto"
	"worldledger.ai/internal/transport/api"
	"worldledger.ai/internal/transport/ws"
)

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "server base url")
		agentID  = flag.String("agent", "", "agent id (default: bot-<random>)")
		name     = flag.String("name", "bot", "agent name")
		worldID  = flag.String("world", "", "world to spawn in (default: server default world)")
		interval = flag.Duration("interval", 3*time.Second, "time between actions")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	id := strings.TrimSpace(*agentID)
	if id == "" {
		id = "bot-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := api.NewClient(*baseURL)
	defWorld, manifest, err := client.Worlds(ctx)
	if err != nil {
		logger.Fatalf("worlds: %v", err)
	}
	world := strings.TrimSpace(*worldID)
	if world == "" {
		world = defWorld
	}
	var bounds protocol.WorldRef
	for _, w := range manifest {
		if w.WorldID == world {
			bounds = w
		}
	}
	if bounds.WorldID == "" {
		logger.Fatalf("unknown world %q", world)
	}

	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(*baseURL, "/"), "http") + "/v1/ws"
	conn, err := ws.Dial(ctx, wsURL)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	replica := syncproto.NewReplica(0)
	poller := &syncproto.Poller{Fetcher: client, Replica: replica, Interval: *interval, Logger: logger}
	if _, err := poller.Poll(ctx); err != nil {
		logger.Fatalf("initial snapshot: %v", err)
	}
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	if _, ok := replica.Agent(id); !ok {
		pos := store.Vec2{
			X: round2(bounds.XMin + r.Float64()*(bounds.XMax-bounds.XMin)),
			Z: round2(bounds.ZMin + r.Float64()*(bounds.ZMax-bounds.ZMin)),
		}
		res, err := conn.Submit(ctx, changeset.Spawn(id, *name, world, pos, time.Now().UTC()))
		if err != nil {
			logger.Fatalf("spawn: %v", err)
		}
		if !res.Committed() {
			logger.Fatalf("spawn rejected: %s %s", res.Code, res.Reason)
		}
		logger.Printf("spawned %s in %s at (%g,%g) seq=%d", id, world, pos.X, pos.Z, res.Seq)
		if _, err := poller.Poll(ctx); err != nil {
			logger.Printf("poll: %v", err)
		}
	}

	go func() {
		if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("poller stopped: %v", err)
		}
	}()

	t := time.NewTicker(*interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		me, ok := replica.Agent(id)
		if !ok {
			logger.Printf("%s not visible yet", id)
			continue
		}
		cs := nextAction(r, me, bounds, replica.Seq())
		res, err := conn.Submit(ctx, cs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Fatalf("submit: %v", err)
		}
		if res.Committed() {
			logger.Printf("%s committed seq=%d", cs.Kind, res.Seq)
		} else {
			logger.Printf("%s rejected: %s %s", cs.Kind, res.Code, res.Reason)
		}
	}
}

func nextAction(r *rand.Rand, me store.Agent, w protocol.WorldRef, seq uint64) changeset.Changeset {
	now := time.Now().UTC()
	switch n := r.Intn(10); {
	case n < 5:
		to := store.Vec2{
			X: round2(clamp(me.Position.X+r.Float64()*6-3, w.XMin, w.XMax)),
			Z: round2(clamp(me.Position.Z+r.Float64()*6-3, w.ZMin, w.ZMax)),
		}
		return changeset.Move(me.ID, me.WorldID, me.Position, to, now)
	case n < 8:
		return changeset.Chat(me.ID, me.Name, me.WorldID, fmt.Sprintf("hello from %s at seq %d", me.Name, seq), now)
	default:
		return changeset.Emote(me.ID, me.WorldID, "wave", now)
	}
}

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
