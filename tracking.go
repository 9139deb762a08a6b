// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package swiss

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrOutOfMemory is returned by a TrackingAllocator whose byte budget cannot
// satisfy a request.
var ErrOutOfMemory = errors.New("swiss: out of memory")

// TagUsage summarizes the blocks allocated under one tag.
type TagUsage struct {
	Tag string `json:"tag"`
	// Blocks and Bytes describe the blocks currently outstanding.
	Blocks int   `json:"blocks"`
	Bytes  int64 `json:"bytes"`
	// Allocs and Frees count requests over the allocator's lifetime.
	Allocs int `json:"allocs"`
	Frees  int `json:"frees"`
}

type allocation struct {
	tag   string
	bytes int64
}

// TrackingAllocator is an Allocator that attributes the blocks it hands out
// to the tag they were requested with, optionally enforcing a budget on the
// bytes outstanding. It is intended for leak attribution and for exercising
// allocation failure. A TrackingAllocator may be shared by maps used on
// different goroutines.
type TrackingAllocator[K comparable, V any] struct {
	next   Allocator[K, V]
	limit  int64
	logger log.FieldLogger

	mu    sync.Mutex
	inUse int64
	live  map[*uint8]allocation
	tags  map[string]*TagUsage
}

// NewTrackingAllocator returns a TrackingAllocator that obtains blocks from
// next (make() if next is nil). A limit > 0 caps the bytes outstanding at any
// time; requests beyond it fail with ErrOutOfMemory.
func NewTrackingAllocator[K comparable, V any](next Allocator[K, V], limit int64) *TrackingAllocator[K, V] {
	if next == nil {
		next = defaultAllocator[K, V]{}
	}
	return &TrackingAllocator[K, V]{
		next:   next,
		limit:  limit,
		logger: log.StandardLogger(),
		live:   make(map[*uint8]allocation),
		tags:   make(map[string]*TagUsage),
	}
}

// SetLogger directs the allocator's debug and warning output to l.
func (a *TrackingAllocator[K, V]) SetLogger(l log.FieldLogger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger = l
}

// BlockBytes returns the number of bytes a block of the given capacity
// occupies.
func BlockBytes[K comparable, V any](capacity int) int64 {
	var s Slot[K, V]
	return int64(capacity+groupSize-1) + int64(capacity)*int64(unsafe.Sizeof(s))
}

// Alloc implements Allocator.
func (a *TrackingAllocator[K, V]) Alloc(capacity int, tag string) (Block[K, V], error) {
	size := BlockBytes[K, V](capacity)

	a.mu.Lock()
	defer a.mu.Unlock()

	fields := log.Fields{"tag": tag, "capacity": capacity, "bytes": size, "in_use": a.inUse}
	if a.limit > 0 && a.inUse+size > a.limit {
		a.logger.WithFields(fields).Warn("allocation exceeds budget")
		return Block[K, V]{}, errors.Wrapf(ErrOutOfMemory, "%d bytes requested for %q with %d of %d in use",
			size, tag, a.inUse, a.limit)
	}

	b, err := a.next.Alloc(capacity, tag)
	if err != nil {
		return Block[K, V]{}, errors.Wrapf(err, "allocating %d slots for %q", capacity, tag)
	}

	a.inUse += size
	a.live[unsafe.SliceData(b.Controls)] = allocation{tag: tag, bytes: size}
	u := a.usage(tag)
	u.Blocks++
	u.Bytes += size
	u.Allocs++
	a.logger.WithFields(fields).Debug("alloc")
	return b, nil
}

// Free implements Allocator. Blocks are attributed to the tag they were
// allocated with; freeing under a different tag is logged but honored.
func (a *TrackingAllocator[K, V]) Free(b Block[K, V], tag string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := unsafe.SliceData(b.Controls)
	alloc, ok := a.live[key]
	if !ok {
		a.logger.WithFields(log.Fields{"tag": tag, "capacity": b.Capacity()}).
			Warn("free of a block this allocator does not own")
		return
	}
	if alloc.tag != tag {
		a.logger.WithFields(log.Fields{"tag": tag, "alloc_tag": alloc.tag}).
			Warn("block freed under a different tag")
	}

	delete(a.live, key)
	a.inUse -= alloc.bytes
	u := a.usage(alloc.tag)
	u.Blocks--
	u.Bytes -= alloc.bytes
	u.Frees++
	a.logger.WithFields(log.Fields{"tag": alloc.tag, "capacity": b.Capacity(), "bytes": alloc.bytes}).
		Debug("free")

	a.next.Free(b, tag)
}

func (a *TrackingAllocator[K, V]) usage(tag string) *TagUsage {
	u := a.tags[tag]
	if u == nil {
		u = &TagUsage{Tag: tag}
		a.tags[tag] = u
	}
	return u
}

// InUse returns the number of bytes currently outstanding.
func (a *TrackingAllocator[K, V]) InUse() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Usage returns per-tag counters for every tag seen, sorted by tag.
func (a *TrackingAllocator[K, V]) Usage() []TagUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := make([]TagUsage, 0, len(a.tags))
	for _, u := range a.tags {
		r = append(r, *u)
	}
	sort.Slice(r, func(i, j int) bool {
		return r[i].Tag < r[j].Tag
	})
	return r
}

// Outstanding returns the usage of tags that still hold blocks, i.e. the
// leaks if every map has been closed.
func (a *TrackingAllocator[K, V]) Outstanding() []TagUsage {
	var r []TagUsage
	for _, u := range a.Usage() {
		if u.Blocks > 0 {
			r = append(r, u)
		}
	}
	return r
}
