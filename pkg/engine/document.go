package engine

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	vtreeerrors "github.com/vtreedb/vtree/pkg/errors"
	"github.com/vtreedb/vtree/pkg/txn"
)

// JSONToBSON and BSONToJSON push a document through the same native BSON
// codec the teacher uses (pkg/storage/bson.go's JsonToBson/BsonToJson),
// adapted so the marshaled bytes become the tuple Payload that flows
// through the MVCC value path, instead of being written to a heap offset.

// JSONToBSON converts an extended-JSON document string to its canonical
// BSON encoding.
func JSONToBSON(jsonStr string) ([]byte, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(jsonStr), true, &doc); err != nil {
		return nil, errors.Wrap(err, "engine: unmarshal extended JSON")
	}
	return bson.Marshal(doc)
}

// BSONToJSON converts canonical BSON bytes back to a relaxed-extended-JSON
// string.
func BSONToJSON(bsonData []byte) (string, error) {
	var doc bson.D
	if err := bson.Unmarshal(bsonData, &doc); err != nil {
		return "", errors.Wrap(err, "engine: unmarshal BSON")
	}
	jsonBytes, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return "", errors.Wrap(err, "engine: marshal extended JSON")
	}
	return string(jsonBytes), nil
}

// PutDocument marshals jsonDoc to BSON and inserts it under userKey.
func (s *Store) PutDocument(userKey []byte, jsonDoc string, w *txn.Worker) (vtreeerrors.Result, error) {
	value, err := JSONToBSON(jsonDoc)
	if err != nil {
		return vtreeerrors.Other, err
	}
	return s.Insert(userKey, value, w)
}

// GetDocument looks up userKey and, if found, returns it as a relaxed-
// extended-JSON string.
func (s *Store) GetDocument(userKey []byte, viewer *txn.Worker) (string, vtreeerrors.Result, error) {
	value, result, err := s.Lookup(userKey, viewer)
	if err != nil || result != vtreeerrors.OK {
		return "", result, err
	}
	jsonStr, err := BSONToJSON(value)
	if err != nil {
		return "", vtreeerrors.Other, err
	}
	return jsonStr, vtreeerrors.OK, nil
}

// UpdateDocumentField applies a single top-level field update to the BSON
// document stored at userKey, round-tripping through bson.D so the MVCC
// diff machinery (C2/C4) still only ever sees opaque bytes.
func (s *Store) UpdateDocumentField(userKey []byte, field string, value interface{}, w *txn.Worker) (vtreeerrors.Result, error) {
	return s.Update(userKey, func(old []byte) []byte {
		var doc bson.D
		if err := bson.Unmarshal(old, &doc); err != nil {
			panic(fmt.Sprintf("engine: corrupt BSON document under key %x: %v", userKey, err))
		}
		replaced := false
		for i, elem := range doc {
			if elem.Key == field {
				doc[i].Value = value
				replaced = true
				break
			}
		}
		if !replaced {
			doc = append(doc, bson.E{Key: field, Value: value})
		}
		out, err := bson.Marshal(doc)
		if err != nil {
			panic(fmt.Sprintf("engine: re-marshal BSON document under key %x: %v", userKey, err))
		}
		return out
	}, w)
}
