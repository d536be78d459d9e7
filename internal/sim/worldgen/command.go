package worldgen

type WorldState int

const (
	Disabled WorldState = iota
	Loading
	InWorld
)

func (s WorldState) String() string {
	switch s {
	case Loading:
		return "loading"
	case InWorld:
		return "in_world"
	default:
		return "disabled"
	}
}

// Command is a request from the host to the streamer. Result, when set,
// receives exactly one value: nil on success.
type Command interface {
	isCommand()
	result() chan<- error
}

type CreateWorld struct {
	Blueprint string
	Seed      WorldSeed
	Result    chan<- error
}

type LoadWorld struct {
	Blueprint string
	State     WorldState
	Result    chan<- error
}

type GoToRoom struct {
	Room   string
	Result chan<- error
}

type LeaveRoom struct {
	Result chan<- error
}

type Unload struct {
	Result chan<- error
}

func (CreateWorld) isCommand() {}
func (LoadWorld) isCommand()   {}
func (GoToRoom) isCommand()    {}
func (LeaveRoom) isCommand()   {}
func (Unload) isCommand()      {}

func (c CreateWorld) result() chan<- error { return c.Result }
func (c LoadWorld) result() chan<- error   { return c.Result }
func (c GoToRoom) result() chan<- error    { return c.Result }
func (c LeaveRoom) result() chan<- error   { return c.Result }
func (c Unload) result() chan<- error      { return c.Result }

// Reply delivers err to the command's Result channel without blocking.
func Reply(c Command, err error) {
	ch := c.result()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// CommandName is the wire name of a command.
func CommandName(c Command) string {
	switch c.(type) {
	case CreateWorld:
		return "create_world"
	case LoadWorld:
		return "load_world"
	case GoToRoom:
		return "go_to_room"
	case LeaveRoom:
		return "leave_room"
	case Unload:
		return "unload"
	default:
		return "unknown"
	}
}

// Settings are the LOD bands, in chunk rings around each marker.
type Settings struct {
	GenerateLODThreshold   uint16
	VisibilityLODThreshold uint16
	// VisibilityLODOverlap widens the band a loaded chunk may drift into
	// before it is despawned.
	VisibilityLODOverlap uint16
}

func ParseWorldState(s string) (WorldState, bool) {
	switch s {
	case "disabled":
		return Disabled, true
	case "loading":
		return Loading, true
	case "in_world":
		return InWorld, true
	}
	return Disabled, false
}
