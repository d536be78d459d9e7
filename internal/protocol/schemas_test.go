package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"chunkfield.dev/internal/protocol"
)

func compile(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// roundTrip renders v the way the server writes it and decodes it as a
// generic JSON document for validation.
func roundTrip(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestSchemas_ValidateSamples(t *testing.T) {
	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	validate(compile(t, "hello.schema.json"), roundTrip(t, protocol.HelloMsg{
		Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ClientName: "bot1",
	}))
	validate(compile(t, "welcome.schema.json"), roundTrip(t, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ConnID:          "C1",
		State:           "disabled",
		ServerParams: protocol.ServerParams{
			TickRateHz:             20,
			GenerateLODThreshold:   3,
			VisibilityLODThreshold: 2,
			VisibilityLODOverlap:   1,
			Layers:                 []string{"terrain.chunk", "decor.chunk"},
		},
	}))

	cmd := compile(t, "command.schema.json")
	validate(cmd, roundTrip(t, protocol.CommandMsg{
		Type: protocol.TypeCreateWorld, ProtocolVersion: protocol.Version, ReqID: "R1",
		Blueprint: "worlds/default.world.yaml", Seed: "000102030405060708090a0b0c0d0e0f",
	}))
	validate(cmd, roundTrip(t, protocol.CommandMsg{
		Type: protocol.TypeUnload, ProtocolVersion: protocol.Version, ReqID: "R2",
	}))

	validate(compile(t, "marker.schema.json"), roundTrip(t, protocol.MarkerMsg{
		Type: protocol.TypeMarker, ProtocolVersion: protocol.Version, Name: "player", Pos: [3]float32{1.5, 0, -20},
	}))
	validate(compile(t, "state.schema.json"), roundTrip(t, protocol.StateMsg{
		Type: protocol.TypeState, ProtocolVersion: protocol.Version, Tick: 12, State: "in_world",
		Loaded: 9, Cached: 50, Chunks: [][2]int{{0, 0}, {-1, 1}},
	}))
	validate(compile(t, "ack.schema.json"), roundTrip(t, protocol.AckMsg{
		Type: protocol.TypeAck, ProtocolVersion: protocol.Version, AckFor: "R1",
		Accepted: false, Code: protocol.ErrWorldActive, Message: "world already active",
	}))
}

func TestSchemas_RejectBadCommands(t *testing.T) {
	cmd := compile(t, "command.schema.json")
	bad := []string{
		`{"type":"CREATE_WORLD","protocol_version":"1.0","req_id":"R1"}`,
		`{"type":"CREATE_WORLD","protocol_version":"1.0","req_id":"R1","blueprint":"a","seed":"XYZ"}`,
		`{"type":"DANCE","protocol_version":"1.0","req_id":"R1"}`,
		`{"type":"UNLOAD","protocol_version":"1.0","req_id":"R1","extra":1}`,
	}
	for _, raw := range bad {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			t.Fatal(err)
		}
		if err := cmd.Validate(v); err == nil {
			t.Fatalf("accepted %s", raw)
		}
	}
}
