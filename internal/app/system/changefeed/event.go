// internal/app/system/changefeed/event.go
package changefeed

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OperationKind is the closed set of change kinds the watcher understands.
// Anything else decodes to OpUnknown.
type OperationKind int

const (
	OpUnknown OperationKind = iota
	OpInsert
	OpUpdate
	OpReplace
	OpDelete
)

// ParseOperationKind maps a change stream operationType to its kind.
func ParseOperationKind(s string) OperationKind {
	switch s {
	case "insert":
		return OpInsert
	case "update":
		return OpUpdate
	case "replace":
		return OpReplace
	case "delete":
		return OpDelete
	default:
		return OpUnknown
	}
}

func (k OperationKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpReplace:
		return "replace"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is one decoded change. FullDocument is nil for deletes and for
// updates whose document was gone by the time it was looked up.
type Event[T any] struct {
	Kind         OperationKind
	RawKind      string
	DocumentKey  bson.Raw
	FullDocument *T
	ResumeToken  bson.Raw
	ClusterTime  primitive.Timestamp
}

// rawEvent is the wire shape of a change stream document.
type rawEvent[T any] struct {
	ID            bson.Raw            `bson:"_id"`
	OperationType string              `bson:"operationType"`
	DocumentKey   bson.Raw            `bson:"documentKey"`
	FullDocument  *T                  `bson:"fullDocument"`
	ClusterTime   primitive.Timestamp `bson:"clusterTime"`
}

// DocumentID extracts documentKey._id as a string: the hex form for
// ObjectIDs, the value itself for string keys. ok is false when the key is
// missing or of another type.
func (e Event[T]) DocumentID() (id string, ok bool) {
	if len(e.DocumentKey) == 0 {
		return "", false
	}
	v, err := e.DocumentKey.LookupErr("_id")
	if err != nil {
		return "", false
	}
	if oid, isOID := v.ObjectIDOK(); isOID {
		if oid.IsZero() {
			return "", false
		}
		return oid.Hex(), true
	}
	if s, isStr := v.StringValueOK(); isStr && s != "" {
		return s, true
	}
	return "", false
}
