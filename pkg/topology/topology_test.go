package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyflow/pkg/flow"
)

const sampleYAML = `
sections:
  - id: s2
    name: Ring Road East
    class: expressway
    length: 1200
    free_speed: 80
  - id: s1
    name: Main Street
    class: arterial
    length: 300
    free_speed: 54
lanes:
  - id: l1
    section_id: s1
    detection_length: 20
  - id: l2
    section_id: s1
    detection_length: 20
  - id: l3
    section_id: s2
    detection_length: 25
  - id: ghost
    section_id: missing
`

func writeTopology(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	store, err := LoadFile(writeTopology(t, sampleYAML))
	require.NoError(t, err)

	sections := store.Sections()
	require.Len(t, sections, 2)
	assert.Equal(t, "s1", sections[0].ID, "arterial sorts before expressway")

	sec, ok := store.Section("s2")
	require.True(t, ok)
	assert.Equal(t, 80.0, sec.FreeSpeed)
	assert.Equal(t, "Ring Road East", sec.Name)

	lanes := store.LanesOfSection("s1")
	require.Len(t, lanes, 2)
	assert.Equal(t, 20.0, lanes[0].DetectionLength)

	_, ok = store.Lane("ghost")
	assert.False(t, ok, "lane with unknown section is skipped")
	assert.Equal(t, []string{"l1", "l2", "l3"}, store.Lanes())
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	_, err = LoadFile(writeTopology(t, "sections: [unclosed"))
	assert.Error(t, err)
}

func TestSectionsByClass(t *testing.T) {
	store := New([]flow.Section{
		{ID: "a", Class: "local"},
		{ID: "b", Class: "arterial"},
		{ID: "c", Class: "local"},
	}, nil)

	byClass := store.SectionsByClass()
	require.Len(t, byClass, 2)
	assert.Len(t, byClass["local"], 2)
	assert.Equal(t, "b", byClass["arterial"][0].ID)
}

func TestNew_SkipsDuplicates(t *testing.T) {
	store := New(
		[]flow.Section{{ID: "s1", Length: 100}, {ID: "s1", Length: 999}, {ID: ""}},
		[]flow.Lane{{ID: "l1", SectionID: "s1"}, {ID: "l1", SectionID: "s1"}},
	)

	require.Len(t, store.Sections(), 1)
	sec, _ := store.Section("s1")
	assert.Equal(t, 100.0, sec.Length)
	assert.Len(t, store.LanesOfSection("s1"), 1)
}

func TestReplace(t *testing.T) {
	store := New([]flow.Section{{ID: "s1"}}, []flow.Lane{{ID: "l1", SectionID: "s1"}})

	store.Replace([]flow.Section{{ID: "s9"}}, nil)

	_, ok := store.Section("s1")
	assert.False(t, ok)
	_, ok = store.Section("s9")
	assert.True(t, ok)
	assert.Empty(t, store.LanesOfSection("s1"))
}

func TestReloadFile_KeepsNetworkOnError(t *testing.T) {
	store := New([]flow.Section{{ID: "s1"}}, nil)

	for _, body := range []string{":::", "", "sections: []\n", "# truncated file\n", "[not, a, mapping]"} {
		assert.Error(t, store.ReloadFile(writeTopology(t, body)), "body %q", body)
		_, ok := store.Section("s1")
		assert.True(t, ok, "body %q", body)
	}

	require.NoError(t, store.ReloadFile(writeTopology(t, sampleYAML)))
	assert.Len(t, store.Sections(), 2)
}

func TestLanesOfSection_ReturnsCopy(t *testing.T) {
	store := New([]flow.Section{{ID: "s1"}}, []flow.Lane{{ID: "l1", SectionID: "s1"}})

	lanes := store.LanesOfSection("s1")
	lanes[0].ID = "mutated"

	assert.Equal(t, "l1", store.LanesOfSection("s1")[0].ID)
}
