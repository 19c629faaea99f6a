package store

import (
	"log"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taskmgr818/fractal-at-home/server/internal/model"
)

// Store provides SQL persistence of job history via GORM (async writes).
type Store struct {
	db    *gorm.DB
	logCh chan func() // buffered channel for async writes
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewStore opens the PostgreSQL database at dsn and starts the write worker.
func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return New(db)
}

// New wraps an open database, migrating the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&model.JobLog{}, &model.FragmentLog{}); err != nil {
		return nil, err
	}

	s := &Store{
		db:    db,
		logCh: make(chan func(), 1024),
		done:  make(chan struct{}),
	}
	go s.writeWorker()
	return s, nil
}

func (s *Store) writeWorker() {
	defer close(s.done)
	for fn := range s.logCh {
		fn()
	}
}

// DB returns the underlying GORM database instance.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// enqueue schedules fn on the write worker. Writes after Close are dropped.
func (s *Store) enqueue(fn func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		log.Printf("[store] write after close dropped")
		return
	}
	s.logCh <- fn
}

// Close drains pending writes and closes the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.logCh)
	}
	s.mu.Unlock()
	<-s.done
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ─────────────────────────────────────────────
// Async write helpers
// ─────────────────────────────────────────────

// LogJobStarted records a new job.
func (s *Store) LogJobStarted(jobID, fingerprint string, width, height int, maxIteration uint32, fragments int, cached bool) {
	s.enqueue(func() {
		jl := model.JobLog{
			JobID:        jobID,
			Fingerprint:  fingerprint,
			Width:        width,
			Height:       height,
			MaxIteration: int64(maxIteration),
			Fragments:    fragments,
			Status:       model.JobStatusRunning,
			Cached:       cached,
			CreatedAt:    time.Now(),
		}
		if err := s.db.Create(&jl).Error; err != nil {
			log.Printf("[store] log job started error: %v", err)
		}
	})
}

// LogFragmentCompleted records one accepted fragment.
func (s *Store) LogFragmentCompleted(ev model.Event) {
	s.enqueue(func() {
		fl := model.FragmentLog{
			JobID:      ev.JobID,
			Worker:     ev.Worker,
			Offset:     int64(ev.Offset),
			NX:         int(ev.NX),
			NY:         int(ev.NY),
			DurationMs: int64(ev.Elapsed * 1000),
			CreatedAt:  ev.At,
		}
		if err := s.db.Create(&fl).Error; err != nil {
			log.Printf("[store] log fragment error: %v", err)
		}
	})
}

// LogJobFinished marks the job completed, or failed when jobErr is set.
func (s *Store) LogJobFinished(jobID, artifactKey string, jobErr error) {
	s.enqueue(func() {
		now := time.Now()
		updates := map[string]interface{}{
			"status":       model.JobStatusCompleted,
			"artifact_key": artifactKey,
			"finished_at":  &now,
		}
		if jobErr != nil {
			updates["status"] = model.JobStatusFailed
			updates["error"] = jobErr.Error()
		}
		if err := s.db.Model(&model.JobLog{}).Where("job_id = ?", jobID).Updates(updates).Error; err != nil {
			log.Printf("[store] log job finished error: %v", err)
		}
	})
}

// RecentJobs returns the latest jobs, newest first.
func (s *Store) RecentJobs(limit int) ([]model.JobLog, error) {
	var jobs []model.JobLog
	err := s.db.Order("created_at DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

// FragmentCounts returns how many fragments each worker completed in jobID.
func (s *Store) FragmentCounts(jobID string) (map[string]int64, error) {
	var rows []struct {
		Worker string
		Count  int64
	}
	err := s.db.Model(&model.FragmentLog{}).
		Select("worker, COUNT(*) AS count").
		Where("job_id = ?", jobID).
		Group("worker").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Worker] = r.Count
	}
	return counts, nil
}
