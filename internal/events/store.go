/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package events keeps the append-only equipment event log. The scheduler
// never reads it; the heating-characteristics analyzer does, to learn how
// fast the tub heats for ready-by planning.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver (no CGO required)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Equipment names recorded in events.
const (
	EquipmentHeater  = "heater"
	EquipmentPump    = "pump"
	EquipmentIonizer = "ionizer"
)

// Actions recorded in events.
const (
	ActionOn  = "on"
	ActionOff = "off"
)

// HeatingEvent is one equipment transition (GORM model)
type HeatingEvent struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	Timestamp    time.Time `gorm:"column:timestamp;not null;index:idx_equipment_time,priority:2,sort:desc"`
	Equipment    string    `gorm:"column:equipment;size:20;not null;index:idx_equipment_time,priority:1"`
	Action       string    `gorm:"column:action;size:10;not null"`
	WaterTempF   *float64  `gorm:"column:water_temp_f"`
	AmbientTempF *float64  `gorm:"column:ambient_temp_f"`
	Failed       bool      `gorm:"column:failed;default:false"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for HeatingEvent
func (*HeatingEvent) TableName() string {
	return "heating_events"
}

// Store persists heating events in SQLite via GORM
type Store struct {
	db *gorm.DB
}

// NewStore opens the event database at path. WAL mode keeps the service and
// any ad-hoc readers from blocking each other.
func NewStore(path string) (*Store, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_journal_mode=WAL&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open event database: %w", err)
	}
	return &Store{db: db}, nil
}

// Init creates tables via auto-migration
func (s *Store) Init() error {
	return s.db.AutoMigrate(&HeatingEvent{})
}

// Close closes the store and releases resources
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append stores one event. Events are never updated; old events are
// removed only by Prune.
func (s *Store) Append(ctx context.Context, ev HeatingEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(&ev).Error
}

// Recent returns the newest events for one equipment, newest first.
func (s *Store) Recent(ctx context.Context, equipment string, limit int) ([]HeatingEvent, error) {
	var evs []HeatingEvent
	err := s.db.WithContext(ctx).
		Where("equipment = ?", equipment).
		Order("timestamp DESC").
		Limit(limit).
		Find(&evs).Error
	return evs, err
}

// Prune removes events older than the cutoff and returns how many went.
// Called from the monthly maintenance rotation, never automatically.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("timestamp < ?", olderThan).Delete(&HeatingEvent{})
	return res.RowsAffected, res.Error
}

// Health checks if the store is reachable
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
