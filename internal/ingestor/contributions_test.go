package ingestor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railpulse/internal/domain"
)

func TestContributionsRecord(t *testing.T) {
	c := NewContributions(10, time.Hour)

	c.Record("dev-a", "12627", domain.UserDriver, 3, now)
	got := c.Record("dev-a", "16591", "", 2, now.Add(time.Minute))

	assert.Equal(t, "dev-a", got.DeviceID)
	assert.Equal(t, 2, got.SubmissionCount)
	assert.Equal(t, 5, got.SampleCount)
	assert.Equal(t, "16591", got.LastTrainNumber)
	assert.Equal(t, domain.UserDriver, got.LastUserType)
	assert.Equal(t, now.Add(time.Minute), got.LastSubmission)

	_, ok := c.Get("dev-b")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestContributionsEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewContributions(2, 0)

	c.Record("dev-a", "12627", "", 1, now)
	c.Record("dev-b", "12627", "", 1, now)
	c.Record("dev-c", "12627", "", 1, now)

	_, ok := c.Get("dev-a")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestContributionsConcurrentRecord(t *testing.T) {
	c := NewContributions(100, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Record(fmt.Sprintf("dev-%d", i%5), "12627", "", 1, now)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		got, ok := c.Get(fmt.Sprintf("dev-%d", i))
		require.True(t, ok)
		assert.Equal(t, 10, got.SubmissionCount)
	}
}
