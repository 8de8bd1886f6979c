package payload

import (
	"encoding/json"
	"testing"

	"balagruha-offline-sync/internal/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Normalization(t *testing.T) {
	for _, in := range []interface{}{nil, "", "   ", []byte("null")} {
		out, err := Encode(in)
		require.NoError(t, err)
		assert.Equal(t, models.EmptyPayload, out)
	}

	out, err := Encode(map[string]interface{}{"name": "A"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"A"}`, out)

	out, err = Encode(json.RawMessage(` {"age": 12} `))
	require.NoError(t, err)
	assert.Equal(t, `{"age": 12}`, out)
}

func TestEncode_RejectsNonObjects(t *testing.T) {
	_, err := Encode("not json")
	assert.Error(t, err)
	_, err = Encode("[1,2]")
	assert.Error(t, err)
	_, err = Encode(`{"a":1} trailing`)
	assert.Error(t, err)
	_, err = Encode(`{"a":1}{"b":2}`)
	assert.Error(t, err)
	_, err = Decode(`{"a":1} {}`)
	assert.Error(t, err)

	out, err := Encode("  {\"a\":1}\n")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out)
}

func TestWithGeneratedID_KeepsNumbersIntact(t *testing.T) {
	out, err := WithGeneratedID(`{"name":"A","score":12345678901234567890,"ratio":0.1}`, "G1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"A","score":12345678901234567890,"ratio":0.1,"generatedId":"G1"}`, out)
	assert.Equal(t, "G1", GeneratedID(out))
}

func TestAttachments_RoundTrip(t *testing.T) {
	s, err := EncodeAttachments(nil)
	require.NoError(t, err)
	assert.Equal(t, models.EmptyAttachments, s)

	atts := []models.Attachment{{Path: "/data/uploads/a.jpg", FieldName: "facialData", OriginalName: "a.jpg", MimeType: "image/jpeg"}}
	s, err = EncodeAttachments(atts)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"path":"/data/uploads/a.jpg","fieldName":"facialData","originalname":"a.jpg","mimetype":"image/jpeg"}]`, s)

	back, err := DecodeAttachments(s)
	require.NoError(t, err)
	assert.Equal(t, atts, back)

	_, err = DecodeAttachments("{}")
	assert.Error(t, err)
}
