package model

import (
	"slices"
	"sync"
	"time"

	"github.com/webodf/Kotype/backend/internal/ops"
)

const UntitledDocument = "Untitled Document"

// Document is the persisted row plus the in-memory change tracking the flush
// loop uses. All reads and writes of the exported fields on a live (tracked)
// document go through View and Update.
type Document struct {
	ID               string    `gorm:"primaryKey;type:varchar(64)"`
	Path             string    `gorm:"type:varchar(255);uniqueIndex"`
	Name             string    `gorm:"type:varchar(255)"`
	OriginalFileName string    `gorm:"type:varchar(255)"`
	Date             time.Time `gorm:"not null"`
	Operations       ops.Log   `gorm:"serializer:json;type:longtext"`
	Editors          []uint64  `gorm:"serializer:json;type:text"`
	IsPublic         bool      `gorm:"not null;default:false"`

	mu           sync.RWMutex
	version      uint64
	savedVersion uint64
}

func (*Document) TableName() string { return "documents" }

// Update runs fn with exclusive access and marks the document modified.
func (d *Document) Update(fn func(d *Document)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
	d.version++
}

func (d *Document) View(fn func(d *Document)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn(d)
}

func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.Operations)
}

func (d *Document) IsModified() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version != d.savedVersion
}

// Snapshot returns a detached copy safe to persist while the live document
// keeps changing, together with the version it reflects.
func (d *Document) Snapshot() (*Document, uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return &Document{
		ID:               d.ID,
		Path:             d.Path,
		Name:             d.Name,
		OriginalFileName: d.OriginalFileName,
		Date:             d.Date,
		Operations:       d.Operations.Clone(),
		Editors:          slices.Clone(d.Editors),
		IsPublic:         d.IsPublic,
	}, d.version
}

// MarkSaved records that version v reached the store. A stale v (the
// document changed again while it was being written) leaves it modified.
func (d *Document) MarkSaved(v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v > d.savedVersion {
		d.savedVersion = v
	}
}

// AddEditor records userID once.
func (d *Document) AddEditor(userID uint64) {
	if !slices.Contains(d.Editors, userID) {
		d.Editors = append(d.Editors, userID)
	}
}

// Append adds ops to the log and stamps the modified date. Callers hold the
// Update lock.
func (d *Document) Append(batch []ops.Op, now time.Time) {
	d.Operations = append(d.Operations, batch...)
	d.Date = now
}
