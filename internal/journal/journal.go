// Package journal records messages and frames the gateway had to discard,
// so no loss goes unnoticed.
package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tradegate/internal/obs"
	"tradegate/internal/schema"
)

// Entry is one discarded message or frame.
type Entry struct {
	ID          uint      `gorm:"primaryKey"`
	RecordedAt  time.Time `gorm:"index"`
	MessageID   string    `gorm:"size:36"`
	Kind        string    `gorm:"size:16"`
	Type        string    `gorm:"size:128;index"`
	Destination string    `gorm:"size:128"`
	Stage       string    `gorm:"size:32"`
	Size        int
	Reason      string `gorm:"size:512"`
}

func (Entry) TableName() string { return "dead_letters" }

// FromMessage describes m dropped at stage on its way to destination.
func FromMessage(at time.Time, m schema.Message, destination, stage string, cause error) Entry {
	e := Entry{
		RecordedAt:  at,
		Kind:        m.Kind.String(),
		Type:        m.Type,
		Destination: destination,
		Stage:       stage,
		Size:        len(m.Payload),
	}
	if m.ID != uuid.Nil {
		e.MessageID = m.ID.String()
	}
	if cause != nil {
		e.Reason = cause.Error()
	}
	return e
}

// Sink accepts dead letters. Record must not block.
type Sink interface {
	Record(e Entry)
}

// Nop discards entries. The log line written at the drop site is the only
// record.
type Nop struct{}

func (Nop) Record(Entry) {}

// Memory keeps entries in memory.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *Memory) Record(e Entry) {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
}

// Entries returns a copy of everything recorded.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

const (
	defaultQueueSize = 1024
	maxReason        = 512
	maxDestination   = 128
)

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Store persists entries to a database through gorm. Record only queues; Run
// performs the inserts.
type Store struct {
	db    *gorm.DB
	log   obs.Logger
	queue chan Entry
}

// NewStore migrates the dead letter table and returns a Store.
func NewStore(db *gorm.DB, log obs.Logger, queueSize int) (*Store, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if log == nil {
		log = obs.NopLogger{}
	}
	return &Store{db: db, log: log, queue: make(chan Entry, queueSize)}, nil
}

func (s *Store) Record(e Entry) {
	select {
	case s.queue <- e:
	default:
		s.log.Warnf("dead letter queue full, entry lost: type=%s destination=%s stage=%s reason=%s",
			e.Type, e.Destination, e.Stage, e.Reason)
	}
}

// Run writes queued entries until ctx is done, then flushes what is left.
func (s *Store) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return nil
		case e := <-s.queue:
			s.insert(context.Background(), e)
		}
	}
}

func (s *Store) flush() {
	for {
		select {
		case e := <-s.queue:
			s.insert(context.Background(), e)
		default:
			return
		}
	}
}

func (s *Store) insert(ctx context.Context, e Entry) {
	e.Reason = truncate(e.Reason, maxReason)
	e.Destination = truncate(e.Destination, maxDestination)
	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		s.log.Errorf("insert dead letter, err: %+v", err)
	}
}

// Recent returns the latest limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var out []Entry
	err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}
