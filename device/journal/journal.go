// Package journal persists device lifecycle events to SQLite so a daemon
// can report which peers were seen on the bus, and when.
//
// Events handed to Handler are written by a background writer; the
// protocol never waits on the database.
package journal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// Pure Go SQLite driver, no cgo.
	"gorm.io/driver/sqlite"
	_ "modernc.org/sqlite"

	"github.com/kabili207/pktserial-go/device/protocol"
)

// DefaultPath is used when Config.Path is empty.
const DefaultPath = "pktbus.db"

// DefaultQueue is the number of events waiting for the writer before new
// ones are dropped.
const DefaultQueue = 64

// Config configures a Journal.
type Config struct {
	// Path to the SQLite database file.
	Path string

	// Queue bounds the events waiting to be written. Default: 64.
	Queue int

	// Logger for journal events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Journal records device events.
type Journal struct {
	db  *gorm.DB
	log *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan write
	done    chan struct{}
	dropped atomic.Uint32
}

// write is one queued record, or a flush marker when ev is nil.
type write struct {
	ev      *DeviceEvent
	flushed chan struct{}
}

// Open opens (and migrates) the journal database.
func Open(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Queue <= 0 {
		cfg.Queue = DefaultQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("journal")

	dir := filepath.Dir(cfg.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	gormLog := gormlogger.New(
		&gormLogAdapter{log: logger},
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        cfg.Path,
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.AutoMigrate(&DeviceEvent{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("journal opened", "path", cfg.Path)
	j := &Journal{
		db:    db,
		log:   logger,
		queue: make(chan write, cfg.Queue),
		done:  make(chan struct{}),
	}
	go j.writeLoop()
	return j, nil
}

// Close writes the events still queued and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()
	<-j.done

	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record stores one protocol event.
func (j *Journal) Record(ev protocol.DeviceEvent) error {
	return j.db.Create(fromProtocol(ev)).Error
}

// Handler returns a protocol event handler that queues every event for the
// writer. When the queue is full the event is dropped and counted.
func (j *Journal) Handler() protocol.EventHandler {
	return func(ev protocol.DeviceEvent) {
		rec := fromProtocol(ev)
		rec.OccurredAt = time.Now()

		j.mu.RLock()
		defer j.mu.RUnlock()
		if j.closed {
			j.dropped.Add(1)
			return
		}
		select {
		case j.queue <- write{ev: rec}:
		default:
			j.dropped.Add(1)
			j.log.Warn("journal queue full, dropping event", "kind", ev.Kind, "serial", ev.Device.SerialNumber)
		}
	}
}

// Flush waits until every event queued before the call is written.
func (j *Journal) Flush() {
	flushed := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return
	}
	j.queue <- write{flushed: flushed}
	j.mu.RUnlock()
	<-flushed
}

// Dropped returns the number of events the handler could not queue.
func (j *Journal) Dropped() uint32 {
	return j.dropped.Load()
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	for w := range j.queue {
		if w.ev == nil {
			close(w.flushed)
			continue
		}
		if err := j.db.Create(w.ev).Error; err != nil {
			j.log.Warn("failed to record device event", "kind", w.ev.Kind, "error", err)
		}
	}
}

// Recent returns the newest events, newest first.
func (j *Journal) Recent(limit int) ([]DeviceEvent, error) {
	var events []DeviceEvent
	err := j.db.Order("occurred_at DESC, id DESC").Limit(limit).Find(&events).Error
	return events, err
}

// BySerial returns the newest events for one device serial number.
func (j *Journal) BySerial(serial uint32, limit int) ([]DeviceEvent, error) {
	var events []DeviceEvent
	err := j.db.Where("serial_number = ?", serial).
		Order("occurred_at DESC, id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// Count returns the number of stored events of the given kind, or of all
// kinds when kind is empty.
func (j *Journal) Count(kind string) (int64, error) {
	var total int64
	q := j.db.Model(&DeviceEvent{})
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	err := q.Count(&total).Error
	return total, err
}

// Prune deletes events older than the cutoff and returns how many were removed.
func (j *Journal) Prune(before time.Time) (int64, error) {
	res := j.db.Where("occurred_at < ?", before).Delete(&DeviceEvent{})
	return res.RowsAffected, res.Error
}

// gormLogAdapter routes GORM's log output to slog.
type gormLogAdapter struct {
	log *slog.Logger
}

func (l *gormLogAdapter) Printf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}
