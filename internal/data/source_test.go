package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadText(t *testing.T) {
	path := writeFile(t, t.TempDir(), "messages.txt", "first\n\nsecond\r\nthird\n")

	src, err := LoadFile("messages", path, ModeSequential, "")
	require.NoError(t, err)
	require.Equal(t, 3, src.Len())

	var bodies []string
	for i := 0; i < 4; i++ {
		bodies = append(bodies, string(src.NextBody()))
	}
	assert.Equal(t, []string{"first", "second", "third", "first"}, bodies)
}

func TestLoadCSV(t *testing.T) {
	path := writeFile(t, t.TempDir(), "orders.csv", "order,qty\nA-1,3\nB-2\n")

	src, err := LoadFile("orders", path, ModeSequential, "")
	require.NoError(t, err)
	require.Equal(t, 2, src.Len())
	assert.Equal(t, []string{"order", "qty"}, src.Fields())

	assert.Equal(t, map[string]any{"order": "A-1", "qty": "3"}, src.Next())
	assert.Equal(t, map[string]any{"order": "B-2", "qty": ""}, src.Next())
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "mixed.json", `["plain", {"id": 1, "name": "Widget"}]`)

	src, err := LoadFile("mixed", path, ModeSequential, "")
	require.NoError(t, err)
	require.Equal(t, 2, src.Len())

	assert.Equal(t, "plain", string(src.NextBody()))
	assert.JSONEq(t, `{"id":1,"name":"Widget"}`, string(src.NextBody()))
}

func TestLoadJSON_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile("x", writeFile(t, dir, "obj.json", `{"not":"an array"}`), ModeSequential, "")
	assert.Error(t, err)

	_, err = LoadFile("x", writeFile(t, dir, "nums.json", `[1, 2]`), ModeSequential, "")
	assert.Error(t, err)
}

func TestRelativePath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "data.txt", "value1\n")

	src, err := LoadFile("test", "data.txt", ModeSequential, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, src.Len())
}

func TestModeRandom(t *testing.T) {
	path := writeFile(t, t.TempDir(), "random.txt", "a\nb\nc\nd\ne\n")

	src, err := LoadFile("random", path, ModeRandom, "")
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		seen[src.Next()[messageField].(string)] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestBody(t *testing.T) {
	body, err := Body(map[string]any{messageField: "raw text"})
	require.NoError(t, err)
	assert.Equal(t, "raw text", string(body))

	body, err = Body(map[string]any{messageField: "x", "id": 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"x","id":7}`, string(body))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeSequential, m)

	m, err = ParseMode("random")
	require.NoError(t, err)
	assert.Equal(t, ModeRandom, m)

	_, err = ParseMode("shuffle")
	assert.Error(t, err)
}

func TestEmptySource(t *testing.T) {
	src, err := NewSource("empty", nil, ModeSequential)
	require.NoError(t, err)
	assert.Nil(t, src.Next())
	assert.Nil(t, src.NextBody())
	assert.Nil(t, src.Fields())
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile("empty", writeFile(t, dir, "empty.csv", "header"), ModeSequential, "")
	assert.Error(t, err, "CSV with no data rows")

	_, err = LoadFile("blank", writeFile(t, dir, "blank.txt", "\n\n"), ModeSequential, "")
	assert.Error(t, err, "text with no messages")

	_, err = LoadFile("xml", writeFile(t, dir, "data.xml", "<data/>"), ModeSequential, "")
	assert.Error(t, err, "unsupported format")

	_, err = LoadFile("missing", filepath.Join(dir, "missing.txt"), ModeSequential, "")
	assert.Error(t, err, "missing file")
}
