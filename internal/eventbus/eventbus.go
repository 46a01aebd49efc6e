// Package eventbus implements the validated, throttled, room-scoped
// publication described in spec.md §4.11. It generalizes the
// teacher's internal/events.Logger (a single bitmask-typed channel per
// subscriber) into room-scoped subscriptions over tagged-variant
// payload types, one per topic, replacing the teacher's duck-typed
// interface{} payloads (spec.md §9).
package eventbus

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Topic names exactly the strings in spec.md §4.11.
type Topic string

const (
	TopicFileStateUpdate  Topic = "file:state:update"
	TopicTransferProgress Topic = "transfer:progress"
	TopicTransferStatus   Topic = "transfer:status"
	TopicScanComplete     Topic = "scan:complete"
	TopicLogMessage       Topic = "log:message"
	TopicConnectionTest   Topic = "connection:test"
	TopicErrorOccurred    Topic = "error:occurred"
)

// Room is a subscription scope: job:<id>, server:<id>, or all-jobs.
type Room string

const AllJobs Room = "all-jobs"

func JobRoom(id string) Room    { return Room("job:" + id) }
func ServerRoom(id string) Room { return Room("server:" + id) }

var hex24 = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// ValidRoom mirrors spec.md §4.11: subscribers opt into job:<id>,
// server:<id>, or all-jobs, and ids are validated as 24-hex.
func ValidRoom(r Room) bool {
	if r == AllJobs {
		return true
	}
	s := string(r)
	for _, prefix := range []string{"job:", "server:"} {
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			return hex24.MatchString(s[len(prefix):])
		}
	}
	return false
}

// Event is the envelope delivered to subscribers; Payload is one of
// the Topic-specific structs below.
type Event struct {
	Topic   Topic
	Room    Room
	At      time.Time
	Payload any
}

// Payload types, one per topic (spec.md §4.11).

type FileStateUpdate struct {
	JobID        string
	FileID       string
	Filename     string
	RelativePath string
	OldState     string
	NewState     string
	Ts           time.Time
}

type TransferStatusKind string

const (
	TransferStarting     TransferStatusKind = "starting"
	TransferTransferring TransferStatusKind = "transferring"
	TransferCompleted    TransferStatusKind = "completed"
	TransferFailed       TransferStatusKind = "failed"
)

type TransferProgress struct {
	TransferID        string
	FileID            string
	JobID             string
	Filename          string
	Progress          int
	BytesTransferred  int64
	TotalBytes        int64
	Speed             string
	SpeedBps          int64
	ETA               string
	ETASeconds         int64
	Status            TransferStatusKind
	ElapsedMs         int64
	CompressionRatio  *float64
	Ts                time.Time
}

type TransferStatus struct {
	TransferID string
	FileID     string
	JobID      string
	Filename   string
	OldStatus  string
	NewStatus  string
	Ts         time.Time
	Metadata   map[string]string
}

type ScanComplete struct {
	JobID        string
	JobName      string
	RemotePath   string
	LocalPath    string
	FilesFound   int
	FilesAdded   int
	FilesUpdated int
	FilesRemoved int
	DurationMs   int64
	Ts           time.Time
}

type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

type LogMessage struct {
	JobID   string
	Level   LogLevel
	Message string
	Source  string
	Ts      time.Time
}

type ConnectionTest struct {
	ServerID   string
	ServerName string
	Success    bool
	DurationMs int64
	Error      string
	Ts         time.Time
}

type ErrorType string

const (
	ErrorConnection ErrorType = "connection"
	ErrorTransfer   ErrorType = "transfer"
	ErrorScan       ErrorType = "scan"
	ErrorValidation ErrorType = "validation"
	ErrorSystem     ErrorType = "system"
	ErrorSpawn      ErrorType = "spawn"
)

type ErrorOccurred struct {
	JobID    string
	ServerID string
	Type     ErrorType
	Message  string
	Details  map[string]any
	Ts       time.Time
}

// validate checks the payload matches its topic's schema (presence of
// required fields) before publication, per spec.md §4.11 "every
// payload is schema-validated before publication; invalid payloads
// are dropped and logged".
func validate(topic Topic, payload any) error {
	switch p := payload.(type) {
	case FileStateUpdate:
		if p.JobID == "" || p.FileID == "" {
			return fmt.Errorf("file:state:update missing job_id/file_id")
		}
	case TransferProgress:
		if p.TransferID == "" {
			return fmt.Errorf("transfer:progress missing transfer_id")
		}
		if p.Progress < 0 || p.Progress > 100 {
			return fmt.Errorf("transfer:progress out of range: %d", p.Progress)
		}
	case TransferStatus:
		if p.TransferID == "" {
			return fmt.Errorf("transfer:status missing transfer_id")
		}
	case ScanComplete:
		if p.JobID == "" {
			return fmt.Errorf("scan:complete missing job_id")
		}
	case LogMessage:
		if p.Message == "" {
			return fmt.Errorf("log:message missing message")
		}
	case ConnectionTest:
		if p.ServerID == "" {
			return fmt.Errorf("connection:test missing server_id")
		}
	case ErrorOccurred:
		if p.Message == "" || p.Type == "" {
			return fmt.Errorf("error:occurred missing message/type")
		}
	default:
		return fmt.Errorf("unknown payload type %T for topic %s", payload, topic)
	}
	return nil
}

// Subscription is a buffered channel a caller polls or ranges over.
type Subscription struct {
	id     int
	rooms  map[Room]bool
	events chan Event
	bus    *Bus
}

const subscriptionBuffer = 256

// Events returns the channel to receive on.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close unsubscribes and releases the channel.
func (s *Subscription) Close() { s.bus.unsubscribe(s) }

// Bus is the process-wide event fan-out.
type Bus struct {
	mut       sync.Mutex
	nextID    int
	subs      map[int]*Subscription
	throttle  map[string]*rate.Limiter // (job_id,file_id) -> transfer:progress limiter
	onInvalid func(topic Topic, err error)
}

const progressThrottle = 500 * time.Millisecond

// New builds an empty Bus. onInvalid, if non-nil, is called for every
// payload that fails validation (used to route into log:message at a
// higher layer without import cycles).
func New(onInvalid func(Topic, error)) *Bus {
	return &Bus{
		subs:      make(map[int]*Subscription),
		throttle:  make(map[string]*rate.Limiter),
		onInvalid: onInvalid,
	}
}

// Subscribe joins the given rooms. room:joined/room:error handshakes
// (spec.md §4.11) are the caller's responsibility via ValidRoom before
// calling Subscribe; Subscribe itself only accepts valid rooms.
func (b *Bus) Subscribe(rooms ...Room) (*Subscription, error) {
	for _, r := range rooms {
		if !ValidRoom(r) {
			return nil, fmt.Errorf("invalid room %q", r)
		}
	}
	b.mut.Lock()
	defer b.mut.Unlock()
	b.nextID++
	s := &Subscription{
		id:     b.nextID,
		rooms:  make(map[Room]bool, len(rooms)),
		events: make(chan Event, subscriptionBuffer),
		bus:    b,
	}
	for _, r := range rooms {
		s.rooms[r] = true
	}
	b.subs[s.id] = s
	return s, nil
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mut.Lock()
	defer b.mut.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	close(s.events)
}

// Publish validates and fans payload out to every subscriber of room,
// throttling transfer:progress per (job_id, file_id) to at most one
// event per 500ms (spec.md §4.11) via a `rate.Limiter` per key; callers
// are expected to call Publish on every tick and rely on the limiter to
// drop the excess rather than buffer and delay them.
func (b *Bus) Publish(room Room, topic Topic, payload any) {
	if err := validate(topic, payload); err != nil {
		if b.onInvalid != nil {
			b.onInvalid(topic, err)
		}
		return
	}

	b.mut.Lock()
	if topic == TopicTransferProgress {
		p := payload.(TransferProgress)
		key := p.JobID + "\x00" + p.FileID
		lim, ok := b.throttle[key]
		if !ok {
			lim = rate.NewLimiter(rate.Every(progressThrottle), 1)
			b.throttle[key] = lim
		}
		if !lim.Allow() {
			b.mut.Unlock()
			return
		}
	}

	ev := Event{Topic: topic, Room: room, At: time.Now(), Payload: payload}
	recipients := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.rooms[room] || s.rooms[AllJobs] {
			recipients = append(recipients, s)
		}
	}
	b.mut.Unlock()

	for _, s := range recipients {
		select {
		case s.events <- ev:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
}
