package output

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

type entry struct {
	Index  int    `json:"index" yaml:"index"`
	Digest string `json:"digest" yaml:"digest"`
}

func TestMessages(t *testing.T) {
	var buf bytes.Buffer

	Success(&buf, "Created %d items in %s", 5, "cache")
	Error(&buf, "failed")
	Warn(&buf, "careful")
	Info(&buf, "plain")

	assert.Equal(t, "✓ Created 5 items in cache\n✗ failed\n⚠ careful\nplain\n", buf.String())
}

func TestMessages_Colored(t *testing.T) {
	color.NoColor = false
	defer func() { color.NoColor = true }()

	var buf bytes.Buffer
	Success(&buf, "done")

	assert.Contains(t, buf.String(), "\x1b[32;1m")
	assert.Contains(t, buf.String(), "✓ done")
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"JSON", FormatJSON, false},
		{"yml", FormatYAML, false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, []entry{{Index: 0, Digest: "abc"}}))

	var decoded []entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, []entry{{Index: 0, Digest: "abc"}}, decoded)
	assert.Contains(t, buf.String(), "\n  ")
}

func TestYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, YAML(&buf, entry{Index: 3, Digest: "def"}))

	assert.Equal(t, "index: 3\ndigest: def\n", buf.String())

	var decoded entry
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, entry{Index: 3, Digest: "def"}, decoded)
}

func TestTable_Render(t *testing.T) {
	table := NewTable([]string{"INDEX", "SIZE", "DIGEST"})
	table.AddRow([]string{"0", "12", "a1b2c3d4e5f60718"})
	table.AddRow([]string{"1", "1024", "ff"})

	var buf bytes.Buffer
	table.Render(&buf)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "INDEX  SIZE  DIGEST", lines[0])
	assert.Equal(t, "-----  ----  ----------------", lines[1])
	assert.Equal(t, "0      12    a1b2c3d4e5f60718", lines[2])
	assert.Equal(t, "1      1024  ff", lines[3])
}

func TestPrint(t *testing.T) {
	table := NewTable([]string{"KEY"})
	table.AddRow([]string{"value"})
	v := map[string]string{"key": "value"}

	var tbl, js, ym bytes.Buffer
	require.NoError(t, Print(&tbl, FormatTable, v, table))
	require.NoError(t, Print(&js, FormatJSON, v, table))
	require.NoError(t, Print(&ym, FormatYAML, v, table))

	assert.True(t, strings.HasPrefix(tbl.String(), "KEY"))
	assert.JSONEq(t, `{"key":"value"}`, js.String())
	assert.Equal(t, "key: value\n", ym.String())
}
