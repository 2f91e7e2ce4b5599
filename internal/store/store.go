// Package store remembers the nodes a peer has heard of across restarts.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("store: node not found")

// NodeRecord is one known node. Addr is empty for nodes only ever reached
// through a relay.
type NodeRecord struct {
	ID        string `gorm:"primaryKey"`
	Nick      string
	Addr      string
	Server    bool
	LastSeen  int64
	CreatedAt int64
}

// Open opens (and migrates) the sqlite database at path. Use ":memory:" for a
// throwaway database.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:      gormlogger.Discard,
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// every connection to ":memory:" is a separate database
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&NodeRecord{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

type NodeStore struct {
	db *gorm.DB
}

func NewNodeStore(db *gorm.DB) *NodeStore {
	return &NodeStore{db: db}
}

func (s *NodeStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Upsert inserts rec or updates the stored node. An empty Addr never
// overwrites a known address.
func (s *NodeStore) Upsert(ctx context.Context, rec NodeRecord) error {
	if rec.ID == "" {
		return errors.New("store: node id is required")
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}

	columns := []string{"nick", "server"}
	if rec.Addr != "" {
		columns = append(columns, "addr")
	}
	if rec.LastSeen != 0 {
		columns = append(columns, "last_seen")
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&rec).Error
}

func (s *NodeStore) List(ctx context.Context) ([]NodeRecord, error) {
	var recs []NodeRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *NodeStore) Get(ctx context.Context, id string) (NodeRecord, error) {
	var rec NodeRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NodeRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *NodeStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&NodeRecord{}, "id = ?", id).Error
}

func (s *NodeStore) MarkSeen(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&NodeRecord{}).Where("id = ?", id).Update("last_seen", at.Unix())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
