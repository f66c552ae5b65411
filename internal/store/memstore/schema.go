package memstore

import (
	"github.com/hashicorp/go-memdb"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const (
	tableUsers      = "users"
	tableProjects   = "projects"
	tableAggregates = "aggregates"
)

// Rows carry string keys for the indexers next to a private copy of the model.

type userRow struct {
	ID    string
	Email string
	User  *models.User
}

type projectRow struct {
	ID           string
	APIKeyPrefix string
	Project      *models.Project
}

type aggregateRow struct {
	ID          string
	ProjectID   string
	Fingerprint string
	Aggregate   *models.ErrorAggregate
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableUsers: {
				Name: tableUsers,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.UUIDFieldIndex{Field: "ID"},
					},
					"email": {
						Name:    "email",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Email", Lowercase: true},
					},
				},
			},
			tableProjects: {
				Name: tableProjects,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.UUIDFieldIndex{Field: "ID"},
					},
					"prefix": {
						Name:         "prefix",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "APIKeyPrefix"},
					},
				},
			},
			tableAggregates: {
				Name: tableAggregates,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.UUIDFieldIndex{Field: "ID"},
					},
					"project": {
						Name:    "project",
						Indexer: &memdb.UUIDFieldIndex{Field: "ProjectID"},
					},
					"fingerprint": {
						Name:   "fingerprint",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.UUIDFieldIndex{Field: "ProjectID"},
								&memdb.StringFieldIndex{Field: "Fingerprint"},
							},
						},
					},
				},
			},
		},
	}
}
