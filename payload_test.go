package tether

import (
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBodyEmpty(t *testing.T) {
	body, contentType, err := encodeBody(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, body)
	assert.Equal(t, "", contentType)
}

func TestEncodeBodyJSON(t *testing.T) {
	body, contentType, err := encodeBody(map[string]string{"content": "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"hello"}`, string(raw))
}

func TestEncodeBodyMultipart(t *testing.T) {
	body, contentType, err := encodeBody(
		map[string]string{"content": "hello"},
		[]File{
			{Name: "a.txt", Reader: strings.NewReader("alpha")},
			{Name: "b.txt", Reader: strings.NewReader("beta")},
		})
	require.NoError(t, err)

	mediaType, params, err := mime.ParseMediaType(contentType)
	require.NoError(t, err)
	require.Equal(t, "multipart/form-data", mediaType)

	form := multipart.NewReader(body, params["boundary"])
	seen := map[string]string{}
	names := map[string]string{}
	for {
		part, err := form.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(part)
		require.NoError(t, err)
		seen[part.FormName()] = string(data)
		names[part.FormName()] = part.FileName()
	}

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(seen["payload_json"]), &payload))
	assert.Equal(t, "hello", payload["content"])
	assert.Equal(t, "alpha", seen["files[0]"])
	assert.Equal(t, "beta", seen["files[1]"])
	assert.Equal(t, "a.txt", names["files[0]"])
	assert.Equal(t, "b.txt", names["files[1]"])
}

func TestEncodeBodyFilesWithoutPayload(t *testing.T) {
	body, contentType, err := encodeBody(nil, []File{{Name: "a.bin", Reader: strings.NewReader("x")}})
	require.NoError(t, err)
	assert.Contains(t, contentType, "multipart/form-data")
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "payload_json")
}

func TestEscapeReason(t *testing.T) {
	assert.Equal(t, "spam in general / repeat offense",
		escapeReason("spam in general / repeat offense"))
	assert.Equal(t, "100%25 spam", escapeReason("100% spam"))
}
