package metadata

import (
	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/persistence"
	"github.com/choirhq/choir/util"
)

type Storage interface {
	SaveWorkflowDefinition(def model.WorkflowDefinition) error
	GetWorkflowDefinition(name string, version string) (*model.WorkflowDefinition, error)
	DeleteWorkflowDefinition(name string, version string) error
}

var _ Storage = new(docStorage)

type docStorage struct {
	store  persistence.DocumentStore
	encDec util.EncoderDecoder[model.WorkflowDefinition]
}

func NewStorage(store persistence.DocumentStore) *docStorage {
	return &docStorage{
		store:  store,
		encDec: util.NewJsonEncoderDecoder[model.WorkflowDefinition](),
	}
}

func (ds *docStorage) SaveWorkflowDefinition(def model.WorkflowDefinition) error {
	data, err := ds.encDec.Encode(def)
	if err != nil {
		return err
	}
	return ds.store.Set(persistence.WorkflowDefKey(def.Name, def.Version), data)
}

func (ds *docStorage) GetWorkflowDefinition(name string, version string) (*model.WorkflowDefinition, error) {
	doc, err := ds.store.Get(persistence.WorkflowDefKey(name, version))
	if err != nil {
		return nil, err
	}
	return ds.encDec.Decode(doc.Data)
}

func (ds *docStorage) DeleteWorkflowDefinition(name string, version string) error {
	return ds.store.Delete(persistence.WorkflowDefKey(name, version))
}
