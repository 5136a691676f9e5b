package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"github.com/webodf/Kotype/backend/internal/model"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrPathTaken        = errors.New("document path already exists")
)

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) FindByID(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
		}
		return nil, err
	}
	return &doc, nil
}

// List returns every document, newest first.
func (s *DocumentStore) List(ctx context.Context) ([]*model.Document, error) {
	var docs []*model.Document
	if err := s.db.WithContext(ctx).Order("date desc").Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

// Save writes every column of doc, inserting the row if it does not exist.
func (s *DocumentStore) Save(ctx context.Context, doc *model.Document) error {
	return s.db.WithContext(ctx).Save(doc).Error
}

func (s *DocumentStore) Create(ctx context.Context, doc *model.Document) error {
	err := s.db.WithContext(ctx).Create(doc).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return fmt.Errorf("%w: %s", ErrPathTaken, doc.Path)
		}
		return err
	}
	return nil
}
