package ingestor

import (
	"sync"
	"time"

	"github.com/bluele/gcache"

	"railpulse/internal/domain"
)

type contribution struct {
	mu sync.Mutex
	domain.DeviceContribution
}

// Contributions keeps per-device submission statistics in a bounded LRU.
// Entries expire ttl after their last submission.
type Contributions struct {
	create sync.Mutex
	cache  gcache.Cache
}

func NewContributions(size int, ttl time.Duration) *Contributions {
	if size <= 0 {
		size = 10000
	}
	builder := gcache.New(size).LRU()
	if ttl > 0 {
		builder = builder.Expiration(ttl)
	}
	return &Contributions{cache: builder.Build()}
}

// Record counts one submission of n samples from deviceID.
func (c *Contributions) Record(deviceID, train string, userType domain.UserType, n int, now time.Time) domain.DeviceContribution {
	entry := c.entry(deviceID)

	entry.mu.Lock()
	entry.SubmissionCount++
	entry.SampleCount += n
	entry.LastSubmission = now
	entry.LastTrainNumber = train
	if userType != "" {
		entry.LastUserType = userType
	}
	snapshot := entry.DeviceContribution
	entry.mu.Unlock()

	// Setting again restarts the expiry clock.
	_ = c.cache.Set(deviceID, entry)
	return snapshot
}

func (c *Contributions) entry(deviceID string) *contribution {
	if v, err := c.cache.GetIFPresent(deviceID); err == nil {
		return v.(*contribution)
	}

	c.create.Lock()
	defer c.create.Unlock()
	if v, err := c.cache.GetIFPresent(deviceID); err == nil {
		return v.(*contribution)
	}
	entry := &contribution{DeviceContribution: domain.DeviceContribution{DeviceID: deviceID}}
	_ = c.cache.Set(deviceID, entry)
	return entry
}

func (c *Contributions) Get(deviceID string) (domain.DeviceContribution, bool) {
	v, err := c.cache.GetIFPresent(deviceID)
	if err != nil {
		return domain.DeviceContribution{}, false
	}
	entry := v.(*contribution)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.DeviceContribution, true
}

// Len returns the number of unexpired devices.
func (c *Contributions) Len() int {
	return c.cache.Len(true)
}
