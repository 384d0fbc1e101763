package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	vtreeerrors "github.com/vtreedb/vtree/pkg/errors"
)

func TestJSONToBSONRoundTrip(t *testing.T) {
	in := `{"name": "Laptop", "price": 2500.5, "stock": 10}`
	bsonBytes, err := JSONToBSON(in)
	require.NoError(t, err)
	require.NotEmpty(t, bsonBytes)

	out, err := BSONToJSON(bsonBytes)
	require.NoError(t, err)
	require.Contains(t, out, `"name"`)
	require.Contains(t, out, `"Laptop"`)
}

func TestPutDocumentAndGetDocument(t *testing.T) {
	s := openTestStore(t)

	w := s.Begin()
	_, err := s.PutDocument([]byte("sku-1"), `{"name": "Mouse", "price": 50}`, w)
	require.NoError(t, err)
	require.NoError(t, s.Commit(w))

	reader := s.Begin()
	doc, result, err := s.GetDocument([]byte("sku-1"), reader)
	require.NoError(t, err)
	require.Equal(t, vtreeerrors.OK, result)
	require.Contains(t, doc, `"Mouse"`)
	s.Abort(reader)
}

func TestUpdateDocumentFieldReplacesExistingField(t *testing.T) {
	s := openTestStore(t)

	w := s.Begin()
	_, err := s.PutDocument([]byte("sku-1"), `{"name": "Mouse", "price": 50}`, w)
	require.NoError(t, err)
	require.NoError(t, s.Commit(w))

	w = s.Begin()
	_, err = s.UpdateDocumentField([]byte("sku-1"), "price", int32(40), w)
	require.NoError(t, err)
	require.NoError(t, s.Commit(w))

	reader := s.Begin()
	doc, _, err := s.GetDocument([]byte("sku-1"), reader)
	require.NoError(t, err)
	require.Contains(t, doc, `"price"`)
	require.Contains(t, doc, "40")
	s.Abort(reader)
}

func TestUpdateDocumentFieldAddsNewField(t *testing.T) {
	s := openTestStore(t)

	w := s.Begin()
	_, err := s.PutDocument([]byte("sku-2"), `{"name": "Keyboard"}`, w)
	require.NoError(t, err)
	require.NoError(t, s.Commit(w))

	w = s.Begin()
	_, err = s.UpdateDocumentField([]byte("sku-2"), "stock", int32(12), w)
	require.NoError(t, err)
	require.NoError(t, s.Commit(w))

	reader := s.Begin()
	doc, _, err := s.GetDocument([]byte("sku-2"), reader)
	require.NoError(t, err)
	require.Contains(t, doc, `"stock"`)
	s.Abort(reader)
}
