package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"chunkfield.dev/internal/protocol"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name      = flag.String("name", "bot", "client name; also the marker name")
		blueprint = flag.String("blueprint", "worlds/default.world.yaml", "blueprint to create (empty: join the current world)")
		seed      = flag.String("seed", "", "seed as 32 hex chars (default: random)")
		radius    = flag.Float64("radius", 120, "walk circle radius in world units")
		period    = flag.Duration("period", 60*time.Second, "time for one lap")
		step      = flag.Duration("step", 250*time.Millisecond, "marker update interval")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
		StateEveryTicks: 20,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	// Reader goroutine; the main loop owns writes.
	msgs := make(chan []byte, 16)
	go func() {
		defer close(msgs)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msgs <- msg
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	ticker := time.NewTicker(*step)
	defer ticker.Stop()
	start := time.Now()
	walking := false

	for {
		select {
		case <-stop:
			_ = conn.WriteJSON(protocol.MarkerMsg{Type: protocol.TypeMarker, ProtocolVersion: protocol.Version, Name: *name, Remove: true})
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return

		case msg, ok := <-msgs:
			if !ok {
				logger.Printf("connection closed")
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			switch base.Type {
			case protocol.TypeWelcome:
				var w protocol.WelcomeMsg
				if err := json.Unmarshal(msg, &w); err != nil {
					continue
				}
				logger.Printf("WELCOME conn=%s tick_rate=%d layers=%v state=%s", w.ConnID, w.ServerParams.TickRateHz, w.ServerParams.Layers, w.State)
				if *blueprint != "" && w.State == "disabled" {
					cmd := protocol.CommandMsg{
						Type:            protocol.TypeCreateWorld,
						ProtocolVersion: protocol.Version,
						ReqID:           "create",
						Blueprint:       *blueprint,
						Seed:            *seed,
					}
					if err := conn.WriteJSON(cmd); err != nil {
						logger.Fatalf("send CREATE_WORLD: %v", err)
					}
				}
				walking = true

			case protocol.TypeAck:
				var a protocol.AckMsg
				if err := json.Unmarshal(msg, &a); err != nil {
					continue
				}
				if a.Accepted {
					logger.Printf("ACK %s", a.AckFor)
				} else {
					logger.Printf("ACK %s rejected: %s %s", a.AckFor, a.Code, a.Message)
				}

			case protocol.TypeState:
				var s protocol.StateMsg
				if err := json.Unmarshal(msg, &s); err != nil {
					continue
				}
				logger.Printf("STATE tick=%d state=%s loaded=%d pending=%d cached=%d dispatched=%d", s.Tick, s.State, s.Loaded, s.Pending, s.Cached, s.Dispatched)

			case protocol.TypeError:
				var e protocol.ErrorMsg
				if err := json.Unmarshal(msg, &e); err == nil {
					logger.Printf("ERROR %s: %s", e.Code, e.Message)
				}
			}

		case <-ticker.C:
			if !walking {
				continue
			}
			pos := circlePos(time.Since(start), *period, *radius)
			m := protocol.MarkerMsg{Type: protocol.TypeMarker, ProtocolVersion: protocol.Version, Name: *name, Pos: pos}
			if err := conn.WriteJSON(m); err != nil {
				logger.Printf("send MARKER: %v", err)
				return
			}
		}
	}
}

// circlePos walks a circle of radius r around the origin on the x/z plane.
func circlePos(elapsed, period time.Duration, r float64) [3]float32 {
	if period <= 0 {
		panic(fmt.Sprintf("bot: non-positive period %v", period))
	}
	a := 2 * math.Pi * float64(elapsed%period) / float64(period)
	return [3]float32{float32(r * math.Cos(a)), 0, float32(r * math.Sin(a))}
}
