package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railpulse/internal/domain"
)

func TestStaticRegistry(t *testing.T) {
	r := NewStatic()

	info, ok := r.Lookup("12627")
	require.True(t, ok)
	assert.Equal(t, "Karnataka Express", info.Name)
	assert.Contains(t, info.Route, RouteDelimiter)

	assert.False(t, r.Contains("00000"))
	assert.Equal(t, "", r.Name("00000"))
	assert.True(t, r.IsReady())
}

func TestSampleIsSortedAndBounded(t *testing.T) {
	r := New([]domain.TrainInfo{
		{Number: "3"}, {Number: "1"}, {Number: "2"}, {Number: "4"},
	})

	assert.Equal(t, []string{"1", "2", "3"}, r.Sample(3))
	assert.Len(t, r.Sample(10), 4)
	assert.Equal(t, 4, r.Count())
	assert.Equal(t, "1", r.All()[0].Number)
}

func TestMergeKeepsExisting(t *testing.T) {
	r := New([]domain.TrainInfo{{Number: "12627", Name: "Karnataka Express"}})

	added := r.Merge([]domain.TrainInfo{
		{Number: "12627", Name: "renamed"},
		{Number: "16591", Name: "Hampi Express"},
		{Number: ""},
	})

	assert.Equal(t, 1, added)
	assert.Equal(t, "Karnataka Express", r.Name("12627"))
	assert.Equal(t, "Hampi Express", r.Name("16591"))
}
