package policy

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func randomKey(t *testing.T) []byte {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestBuiltinDocumentsVerify(t *testing.T) {
	for _, d := range Builtin() {
		require.NoError(t, d.Verify(), "version %d", d.Version.Number)
	}
	require.Equal(t, uint64(6), Prevailing().Version.Number)
	require.NotEqual(t, Builtin()[0].Version.Hash, Prevailing().Version.Hash)
}

func TestCategoryForModel(t *testing.T) {
	doc := Prevailing()

	testCases := []struct {
		model    string
		category string
	}{
		{"iPhone15,2", CategoryFull},
		{"MacBookPro18,1", CategoryFull},
		{"Watch6,1", CategoryWatch},
		{"AppleTV11,1", CategoryTV},
		{"AudioAccessory5,1", CategoryAudio},
	}
	for _, tc := range testCases {
		category, err := doc.CategoryForModel(tc.model, nil)
		require.NoError(t, err, tc.model)
		require.Equal(t, tc.category, category, tc.model)
	}

	_, err := doc.CategoryForModel("Toaster1,1", nil)
	require.ErrorIs(t, err, interfaces.ErrModelNotFound)
}

func TestLongestPrefixWins(t *testing.T) {
	doc, err := NewDocument(1, Rules{
		ModelToCategory: []CategoryRule{
			{Prefix: "Mac", Category: CategoryFull},
			{Prefix: "MacServer", Category: CategoryWindows},
			{Prefix: "", Category: CategoryAudio},
		},
	}, nil)
	require.NoError(t, err)

	category, err := doc.CategoryForModel("MacServer1,1", nil)
	require.NoError(t, err)
	require.Equal(t, CategoryWindows, category)

	category, err = doc.CategoryForModel("Mac14,1", nil)
	require.NoError(t, err)
	require.Equal(t, CategoryFull, category)

	category, err = doc.CategoryForModel("Other", nil)
	require.NoError(t, err)
	require.Equal(t, CategoryAudio, category)
}

func TestHashBindsContent(t *testing.T) {
	doc := Prevailing()
	tampered := *doc
	tampered.Rules.ModelToCategory = append([]CategoryRule{{Prefix: "Toaster", Category: CategoryFull}}, doc.Rules.ModelToCategory...)
	require.Error(t, tampered.Verify())

	renumbered := *doc
	renumbered.Version.Number = 99
	require.Error(t, renumbered.Verify())
}

func TestClone(t *testing.T) {
	parent := Prevailing()

	_, err := parent.Clone(parent.Version.Number, nil, nil, nil)
	require.Error(t, err)

	child, err := parent.Clone(7, map[string][]string{"NewView": {CategoryFull}}, []ViewRule{{View: "NewView", Field: "agrp", Value: "com.example"}}, nil)
	require.NoError(t, err)
	require.NoError(t, child.Verify())
	require.Equal(t, uint64(7), child.Version.Number)
	require.NotEqual(t, parent.Version.Hash, child.Version.Hash)
	require.Contains(t, child.Rules.ViewsForCategory(CategoryFull), "NewView")

	view, ok := child.Rules.ViewForItem(map[string]string{"agrp": "com.example"})
	require.True(t, ok)
	require.Equal(t, "NewView", view)

	// The parent is untouched.
	require.NotContains(t, parent.Rules.ViewsForCategory(CategoryFull), "NewView")
}

func TestRedactions(t *testing.T) {
	key := randomKey(t)
	redaction, err := NewRedaction("future-hardware", key, Rules{
		ModelToCategory: []CategoryRule{{Prefix: "RealityDevice", Category: CategoryFull}},
		CategoriesByView: map[string][]string{
			"Spatial": {CategoryFull},
		},
	})
	require.NoError(t, err)

	doc, err := Prevailing().Clone(7, nil, nil, []Redaction{redaction})
	require.NoError(t, err)

	_, err = doc.CategoryForModel("RealityDevice14,1", nil)
	require.ErrorIs(t, err, interfaces.ErrModelNotFound)

	category, err := doc.CategoryForModel("RealityDevice14,1", map[string][]byte{"future-hardware": key})
	require.NoError(t, err)
	require.Equal(t, CategoryFull, category)

	rules, err := doc.Resolve(map[string][]byte{"future-hardware": key})
	require.NoError(t, err)
	require.Contains(t, rules.ViewsForCategory(CategoryFull), "Spatial")

	_, err = doc.CategoryForModel("RealityDevice14,1", map[string][]byte{"future-hardware": randomKey(t)})
	require.Error(t, err)

	_, err = NewRedaction("short", []byte{1, 2, 3}, Rules{})
	require.Error(t, err)
}

func TestEncodeDecode(t *testing.T) {
	key := randomKey(t)
	redaction, err := NewRedaction("r", key, Rules{ModelToCategory: []CategoryRule{{Prefix: "X", Category: CategoryFull}}})
	require.NoError(t, err)
	doc, err := Prevailing().Clone(8, nil, nil, []Redaction{redaction})
	require.NoError(t, err)

	encoded, err := Encode(doc)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, doc.Version, decoded.Version)

	again, err := Encode(decoded)
	require.NoError(t, err)
	require.True(t, bytes.Equal(encoded, again))

	encoded[len(encoded)-1] ^= 0xFF
	_, err = Decode(encoded)
	require.Error(t, err)
}

func TestIntroducers(t *testing.T) {
	rules := Prevailing().Rules
	require.True(t, rules.CanIntroduce(CategoryFull, CategoryWatch))
	require.True(t, rules.CanIntroduce(CategoryWatch, CategoryWatch))
	require.False(t, rules.CanIntroduce(CategoryWatch, CategoryFull))
	require.False(t, rules.CanIntroduce(CategoryAudio, CategoryTV))
}

type memoryBackend struct {
	data map[interfaces.ContentID][]byte
}

func (m *memoryBackend) Fetch(_ context.Context, id interfaces.ContentID, _ interfaces.ContentType) ([]byte, error) {
	d, ok := m.data[id]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return d, nil
}

func (m *memoryBackend) Store(_ context.Context, data []byte, _ interfaces.ContentType) (interfaces.ContentID, error) {
	d, err := Decode(data)
	if err != nil {
		return interfaces.ContentID{}, err
	}
	m.data[d.Version.Hash] = data
	return d.Version.Hash, nil
}

func (m *memoryBackend) Available(context.Context) bool { return true }
func (m *memoryBackend) Name() string                    { return "memory" }
func (m *memoryBackend) LocationURI() string             { return "memory://" }

func TestCache(t *testing.T) {
	ctx := context.Background()
	newer, err := Prevailing().Clone(7, map[string][]string{"NewView": {CategoryFull}}, nil, nil)
	require.NoError(t, err)

	cache := NewBuiltinCache(testLogger())
	_, err = cache.Resolve(ctx, newer.Version)
	require.ErrorIs(t, err, interfaces.ErrPolicyUnknown)

	d, err := cache.Resolve(ctx, Prevailing().Version)
	require.NoError(t, err)
	require.Equal(t, Prevailing(), d)

	backend := &memoryBackend{data: map[interfaces.ContentID][]byte{}}
	cache.WithBackend(backend)
	require.NoError(t, cache.Add(ctx, newer))
	require.Contains(t, backend.data, newer.Version.Hash)
	require.Equal(t, newer, cache.Latest())

	// A fresh cache finds the document through the backend.
	fresh := NewBuiltinCache(testLogger()).WithBackend(backend)
	_, ok := fresh.Lookup(newer.Version)
	require.False(t, ok)
	resolved, err := fresh.Resolve(ctx, newer.Version)
	require.NoError(t, err)
	require.Equal(t, newer.Version, resolved.Version)
	_, ok = fresh.Lookup(newer.Version)
	require.True(t, ok)

	tampered := *newer
	tampered.Version.Number = 100
	require.Error(t, cache.Add(ctx, &tampered))

	require.Len(t, cache.Versions(), 3)
}
