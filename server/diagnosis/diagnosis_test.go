package diagnosis

import (
	"context"
	"errors"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type dummyStore struct {
	entries map[string]Entry
	err     error
	queries []string
}

func (d *dummyStore) FindDisease(ctx context.Context, plantName, diseaseName string) (*Entry, error) {
	d.queries = append(d.queries, plantName+"/"+diseaseName)
	if d.err != nil {
		return nil, d.err
	}
	e, ok := d.entries[plantName+"/"+diseaseName]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func TestParseLabel(t *testing.T) {
	require.Equal(t, Label{"Tomato", "Late_blight"}, ParseLabel("Tomato___Late_blight"))
	require.Equal(t, Label{"Apple", "healthy"}, ParseLabel("Apple___healthy"))
	require.Equal(t, Label{"Background_without_leaves", Healthy}, ParseLabel("Background_without_leaves"))
	require.Equal(t, Label{"Corn", Healthy}, ParseLabel("Corn___"))
	// only the first delimiter splits
	require.Equal(t, Label{"Corn", "Common___rust"}, ParseLabel("Corn___Common___rust"))
	require.Equal(t, Label{"", "Late_blight"}, ParseLabel("___Late_blight"))
	require.True(t, ParseLabel("Squash").IsHealthy())
	require.Equal(t, "Tomato___Late_blight", ParseLabel("Tomato___Late_blight").String())
}

func TestResolveFound(t *testing.T) {
	store := &dummyStore{entries: map[string]Entry{
		"Tomato/Late_blight": {DiseaseName: "Late_blight", Description: "Water mold", Solution: "Copper fungicide"},
	}}
	r := NewResolver(logs.NewTestingLog(t), store)
	res := r.ResolveRaw(context.Background(), "Tomato___Late_blight")
	require.False(t, res.Fallback)
	require.Equal(t, "Tomato", res.Label.Subject)
	require.Equal(t, []Entry{{DiseaseName: "Late_blight", Description: "Water mold", Solution: "Copper fungicide"}}, res.Entries)
}

func TestResolveMissing(t *testing.T) {
	store := &dummyStore{entries: map[string]Entry{}}
	r := NewResolver(logs.NewTestingLog(t), store)
	res := r.ResolveRaw(context.Background(), "Grape___Black_rot")
	require.True(t, res.Fallback)
	require.Equal(t, 1, len(res.Entries))
	require.Equal(t, "Black_rot", res.Entries[0].DiseaseName)
	require.NotEmpty(t, res.Entries[0].Description)
	require.NotEmpty(t, res.Entries[0].Solution)
}

func TestResolveHealthy(t *testing.T) {
	// A label without a condition is looked up as "healthy", like any other condition
	store := &dummyStore{entries: map[string]Entry{}}
	r := NewResolver(logs.NewTestingLog(t), store)
	res := r.ResolveRaw(context.Background(), "Background_without_leaves")
	require.Equal(t, []string{"Background_without_leaves/healthy"}, store.queries)
	require.True(t, res.Fallback)
	require.Equal(t, Healthy, res.Entries[0].DiseaseName)
}

func TestResolveStoreError(t *testing.T) {
	store := &dummyStore{err: errors.New("database is locked")}
	r := NewResolver(logs.NewTestingLog(t), store)
	res := r.ResolveRaw(context.Background(), "Peach___Bacterial_spot")
	require.True(t, res.Fallback)
	require.Equal(t, "Bacterial_spot", res.Entries[0].DiseaseName)
}

func TestFallbackEntry(t *testing.T) {
	require.Equal(t, UnknownCondition, FallbackEntry("").DiseaseName)
	require.Equal(t, "Leaf_Mold", FallbackEntry("Leaf_Mold").DiseaseName)
}
