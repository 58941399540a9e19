package idb

import (
	"fmt"

	"github.com/fystack/idbkv/pkg/constant"
)

// Status is the human readable outcome of a successful operation.
type Status string

const (
	StatusUpdated       Status = "Value updated successfully"
	StatusAdded         Status = "Key-Value pair added successfully"
	StatusAlreadyExists Status = "Key already exists. No action taken."
	StatusDeleted       Status = "Key-Value pair deleted successfully"
	StatusCleared       Status = "All keys cleared successfully"
	StatusNoTable       Status = "Object store '" + constant.KeyValueTable + "' does not exist."
)

func statusStoreDeleted(name string) Status {
	return Status(fmt.Sprintf("Database %s deleted successfully", name))
}

func (s Status) String() string {
	return string(s)
}
