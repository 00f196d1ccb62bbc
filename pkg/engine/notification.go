package engine

// Kind identifies the type of an engine notification.
type Kind int

// Notification kinds emitted by the flashing engine.
const (
	KindCmdTotal Kind = iota
	KindCmdStart
	KindCmdEnd
	KindCmdIndex
	KindCmdInfo
	KindPhaseTotal
	KindPhaseIndex
	KindTransSize
	KindTransPos
	KindWaitFor
	KindDevAttach
	KindDecompressStart
	KindDecompressSize
	KindDecompressPos
	KindDone
	KindThreadExit
)

var kindNames = map[Kind]string{
	KindCmdTotal:        "cmd_total",
	KindCmdStart:        "cmd_start",
	KindCmdEnd:          "cmd_end",
	KindCmdIndex:        "cmd_index",
	KindCmdInfo:         "cmd_info",
	KindPhaseTotal:      "phase_total",
	KindPhaseIndex:      "phase_index",
	KindTransSize:       "trans_size",
	KindTransPos:        "trans_pos",
	KindWaitFor:         "wait_for",
	KindDevAttach:       "dev_attach",
	KindDecompressStart: "decompress_start",
	KindDecompressSize:  "decompress_size",
	KindDecompressPos:   "decompress_pos",
	KindDone:            "done",
	KindThreadExit:      "thread_exit",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Notification is an event emitted by the engine while a command runs.
// The concrete type determines the payload: TransferSize, TransferPosition,
// CommandInfo, or Event for every other kind.
type Notification interface {
	Kind() Kind
}

// TransferSize announces the unit count of the transfer that follows.
type TransferSize struct {
	Total uint64
}

func (TransferSize) Kind() Kind { return KindTransSize }

// TransferPosition reports how many units of the current transfer are done.
type TransferPosition struct {
	Index uint64
}

func (TransferPosition) Kind() Kind { return KindTransPos }

// CommandInfo carries engine status text. A nil Text means the engine
// supplied no string at all.
type CommandInfo struct {
	Text *string
}

func (CommandInfo) Kind() Kind { return KindCmdInfo }

// Info builds a CommandInfo holding text.
func Info(text string) CommandInfo {
	return CommandInfo{Text: &text}
}

// Event is any notification without a payload the host cares about.
type Event struct {
	Type Kind
}

func (e Event) Kind() Kind { return e.Type }

// Handler consumes engine notifications. The engine calls Handle once per
// notification and never concurrently for the same handler.
type Handler interface {
	Handle(Notification)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(Notification)

func (f HandlerFunc) Handle(n Notification) { f(n) }
