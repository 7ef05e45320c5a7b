// Package telem keeps a bounded in-RAM history of position samples and
// controller events, with time-based retention and downsampling under
// memory pressure.
package telem

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/posmux/posmux/pkg/position"
)

// Sample is one canonical position observation.
type Sample struct {
	Position  position.Position `json:"position"`
	Source    string            `json:"source"`
	Mode      string            `json:"mode"`
	Timestamp time.Time         `json:"timestamp"`
}

// When implements timed.
func (s *Sample) When() time.Time { return s.Timestamp }

// Event is a notable controller occurrence: a mode switch, a provider
// failure, a status change.
type Event struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source,omitempty"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// When implements timed.
func (e *Event) When() time.Time { return e.Timestamp }

// timed lets one ring buffer implementation hold samples and events alike.
type timed interface {
	When() time.Time
}

// Store manages telemetry data in RAM with per-source ring buffers.
type Store struct {
	mu sync.RWMutex

	retentionHours int
	maxRAMMB       int

	samples map[string]*RingBuffer
	events  *RingBuffer

	memoryUsage int64
	lastCleanup time.Time

	// Event callback for real-time publishing.
	eventCallback func(*Event)
}

// NewStore creates a telemetry store. Retention is bounded to a week and
// the RAM budget to something an embedded host can afford.
func NewStore(retentionHours, maxRAMMB int) (*Store, error) {
	if retentionHours < 1 || retentionHours > 168 {
		return nil, fmt.Errorf("retention_hours must be between 1 and 168")
	}
	if maxRAMMB < 1 || maxRAMMB > 128 {
		return nil, fmt.Errorf("max_ram_mb must be between 1 and 128")
	}

	return &Store{
		retentionHours: retentionHours,
		maxRAMMB:       maxRAMMB,
		samples:        make(map[string]*RingBuffer),
		events:         NewRingBuffer(1000),
		lastCleanup:    time.Now(),
	}, nil
}

// Record stores a position sample under its source.
func (s *Store) Record(sample Sample) error {
	if sample.Source == "" {
		return fmt.Errorf("sample source cannot be empty")
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.samples[sample.Source] == nil {
		s.samples[sample.Source] = NewRingBuffer(1000)
	}
	stored := sample
	s.samples[sample.Source].Add(&stored)

	s.checkMemoryPressure()
	return nil
}

// AddEvent stores an event and hands it to the event callback, if any.
func (s *Store) AddEvent(event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	callback := s.eventCallback
	s.events.Add(event)
	s.checkMemoryPressure()
	s.mu.Unlock()

	// Outside the lock so a publisher can call back into the store.
	if callback != nil {
		go callback(event)
	}
	return nil
}

// SetEventCallback registers a callback invoked for every added event.
func (s *Store) SetEventCallback(callback func(*Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventCallback = callback
}

// Samples returns the samples for one source since the given time.
func (s *Store) Samples(source string, since time.Time) []*Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buffer, exists := s.samples[source]
	if !exists {
		return nil
	}

	items := buffer.GetSince(since)
	samples := make([]*Sample, 0, len(items))
	for _, item := range items {
		if sample, ok := item.(*Sample); ok {
			samples = append(samples, sample)
		}
	}
	return samples
}

// Recent returns samples across all sources since the given time, ordered
// by timestamp.
func (s *Store) Recent(since time.Time) []*Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var merged []*Sample
	for _, buffer := range s.samples {
		for _, item := range buffer.GetSince(since) {
			if sample, ok := item.(*Sample); ok {
				merged = append(merged, sample)
			}
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}

// Events returns events since the given time, newest-bounded by limit.
func (s *Store) Events(since time.Time, limit int) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.events.GetSince(since)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	events := make([]*Event, 0, len(items))
	for _, item := range items {
		if event, ok := item.(*Event); ok {
			events = append(events, event)
		}
	}
	return events
}

// Sources returns all source names with stored samples.
func (s *Store) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sources := make([]string, 0, len(s.samples))
	for source := range s.samples {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	return sources
}

// MemoryUsage returns the estimated memory usage in MB.
func (s *Store) MemoryUsage() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.memoryUsage / 1024 / 1024)
}

// Cleanup removes data older than the retention window.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()
}

func (s *Store) cleanupLocked() {
	cutoff := time.Now().Add(-time.Duration(s.retentionHours) * time.Hour)

	for source, buffer := range s.samples {
		buffer.RemoveBefore(cutoff)
		if buffer.Size() == 0 {
			delete(s.samples, source)
		}
	}
	s.events.RemoveBefore(cutoff)

	s.updateMemoryUsage()
}

// Close releases all held data.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = make(map[string]*RingBuffer)
	s.events = NewRingBuffer(1)
	s.memoryUsage = 0
	return nil
}

// checkMemoryPressure downsamples old data when over budget.
func (s *Store) checkMemoryPressure() {
	s.updateMemoryUsage()

	if s.memoryUsage > int64(s.maxRAMMB*1024*1024) {
		for _, buffer := range s.samples {
			buffer.Downsample(3)
		}
	}

	if time.Since(s.lastCleanup) > time.Hour {
		s.cleanupLocked()
		s.lastCleanup = time.Now()
	}
}

// updateMemoryUsage estimates current usage from buffer sizes.
func (s *Store) updateMemoryUsage() {
	var usage int64
	for _, buffer := range s.samples {
		usage += int64(buffer.Size() * 256)
	}
	usage += int64(s.events.Size() * 128)
	s.memoryUsage = usage
}

// RingBuffer is a fixed-capacity buffer with time-based eviction.
type RingBuffer struct {
	mu       sync.RWMutex
	data     []timed
	capacity int
	head     int
	tail     int
	size     int
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		data:     make([]timed, capacity),
		capacity: capacity,
	}
}

// Add appends an item, overwriting the oldest when full.
func (rb *RingBuffer) Add(item timed) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
	} else {
		rb.head = (rb.head + 1) % rb.capacity
	}
}

// GetSince returns items newer than the given time, oldest first.
func (rb *RingBuffer) GetSince(since time.Time) []timed {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]timed, 0, rb.size)
	for i := 0; i < rb.size; i++ {
		idx := (rb.head + i) % rb.capacity
		if item := rb.data[idx]; item != nil && item.When().After(since) {
			result = append(result, item)
		}
	}
	return result
}

// RemoveBefore drops items older than the given time and reports how many
// were removed.
func (rb *RingBuffer) RemoveBefore(before time.Time) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	kept := make([]timed, rb.capacity)
	keptCount := 0
	removed := 0

	for i := 0; i < rb.size; i++ {
		idx := (rb.head + i) % rb.capacity
		item := rb.data[idx]
		if item == nil {
			continue
		}
		if item.When().After(before) {
			kept[keptCount] = item
			keptCount++
		} else {
			removed++
		}
	}

	rb.data = kept
	rb.head = 0
	rb.tail = keptCount % rb.capacity
	rb.size = keptCount
	return removed
}

// Downsample keeps every nth item.
func (rb *RingBuffer) Downsample(n int) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 || n <= 1 {
		return
	}

	newData := make([]timed, rb.capacity)
	newSize := 0
	for i := 0; i < rb.size; i += n {
		idx := (rb.head + i) % rb.capacity
		newData[newSize] = rb.data[idx]
		newSize++
	}

	rb.data = newData
	rb.head = 0
	rb.tail = newSize % rb.capacity
	rb.size = newSize
}

// Size returns the current number of items.
func (rb *RingBuffer) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the buffer capacity.
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}
