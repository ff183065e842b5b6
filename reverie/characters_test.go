package reverie

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCharacterFile(t testing.TB, dir string, id string, body string) {
	t.Helper()
	require.NoError(
		t,
		os.WriteFile(
			filepath.Join(dir, id+".json"),
			[]byte(body),
			0o600,
		),
	)
}

func newTestCharacterProvider(
	t testing.TB,
	dir string,
	defaultID string,
) *FileCharacterProvider {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Chat.CharacterDir = dir
	cfg.Chat.DefaultCharacter = defaultID
	return newFileCharacterProvider(cfg.Chat, testLogger(t))
}

func TestFileCharacterProvider_NoDirectory(t *testing.T) {
	provider := newTestCharacterProvider(t, "", "")

	assert.Equal(t, defaultCharacter, provider.Get(""))
	assert.Equal(t, defaultCharacter, provider.Get("anyone"))
	assert.Nil(t, provider.List())
}

func TestFileCharacterProvider_LoadsProfile(t *testing.T) {
	dir := t.TempDir()
	writeCharacterFile(t, dir, "mira", `{
		"name": "Mira",
		"source": "Atlas of Winds",
		"description": "A wandering cartographer",
		"opening_line": "*looks up* Oh, hello!"
	}`)
	provider := newTestCharacterProvider(t, dir, "")

	character := provider.Get("mira")
	assert.Equal(t, "Mira", character.Name)
	assert.Equal(t, "Atlas of Winds", character.Source)
	assert.Equal(t, "*looks up* Oh, hello!", character.OpeningLine)

	// IDs are case-insensitive and whitespace-tolerant
	assert.Equal(t, character, provider.Get("MIRA"))
	assert.Equal(t, character, provider.Get("  Mira  "))
}

func TestFileCharacterProvider_CachesProfiles(t *testing.T) {
	dir := t.TempDir()
	writeCharacterFile(t, dir, "mira", `{"name": "Mira", "description": "v1"}`)
	provider := newTestCharacterProvider(t, dir, "")

	require.Equal(t, "v1", provider.Get("mira").Description)

	// edits after first load aren't picked up
	writeCharacterFile(t, dir, "mira", `{"name": "Mira", "description": "v2"}`)
	assert.Equal(t, "v1", provider.Get("mira").Description)
}

func TestFileCharacterProvider_UnknownFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	provider := newTestCharacterProvider(t, dir, "")

	assert.Equal(t, defaultCharacter, provider.Get("nobody"))
}

func TestFileCharacterProvider_MalformedFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	writeCharacterFile(t, dir, "broken", `{"name": `)
	provider := newTestCharacterProvider(t, dir, "")

	assert.Equal(t, defaultCharacter, provider.Get("broken"))
}

func TestFileCharacterProvider_ConfiguredDefault(t *testing.T) {
	dir := t.TempDir()
	writeCharacterFile(t, dir, "mira", `{"name": "Mira", "description": "d"}`)
	provider := newTestCharacterProvider(t, dir, "Mira")

	// an empty ID resolves to the configured default character
	assert.Equal(t, "Mira", provider.Get("").Name)
}

func TestFileCharacterProvider_NameDefaultsToID(t *testing.T) {
	dir := t.TempDir()
	writeCharacterFile(t, dir, "mira", `{"description": "nameless"}`)
	provider := newTestCharacterProvider(t, dir, "")

	assert.Equal(t, "mira", provider.Get("mira").Name)
}

func TestFileCharacterProvider_List(t *testing.T) {
	dir := t.TempDir()
	writeCharacterFile(t, dir, "mira", `{"name": "Mira"}`)
	writeCharacterFile(t, dir, "youko", `{"name": "Youko"}`)
	require.NoError(
		t,
		os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600),
	)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o700))

	provider := newTestCharacterProvider(t, dir, "")
	assert.ElementsMatch(t, []string{"mira", "youko"}, provider.List())
}
