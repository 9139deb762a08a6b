package swiss

import (
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
)

type benchTypes interface {
	int32 | int64 | string
}

// benchFunc runs a benchmark against n keys drawn from genKeys.
type benchFunc[T benchTypes] func(b *testing.B, n int, genKeys func(start, end int) []T)

// benchCase pairs the builtin map and Map variants of a benchmark for one
// key type. Either variant may be nil.
type benchCase struct {
	typ            string
	runtime, swiss func(*testing.B)
}

func keyCase[T benchTypes](typ string, runtime, swiss benchFunc[T]) benchCase {
	c := benchCase{typ: typ}
	if runtime != nil {
		c.runtime = benchSizes(runtime)
	}
	if swiss != nil {
		c.swiss = benchSizes(swiss)
	}
	return c
}

func runCases(b *testing.B, cases ...benchCase) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		for _, c := range cases {
			if c.runtime != nil {
				b.Run("t="+c.typ, c.runtime)
			}
		}
	})
	b.Run("impl=swissMap", func(b *testing.B) {
		for _, c := range cases {
			if c.swiss != nil {
				b.Run("t="+c.typ, c.swiss)
			}
		}
	})
}

func benchSizes[T benchTypes](f benchFunc[T]) func(*testing.B) {
	sizes := []int{
		6, 12, 18, 24, 30,
		64, 128, 256, 512, 1024, 2048, 4096, 8192,
		1 << 16,
	}
	return func(b *testing.B) {
		for _, n := range sizes {
			b.Run("len="+strconv.Itoa(n), func(b *testing.B) { f(b, n, genKeys[T]) })
		}
	}
}

func genKeys[T benchTypes](start, end int) []T {
	keys := make([]T, 0, end-start)
	for i := start; i < end; i++ {
		var k any
		switch any(*new(T)).(type) {
		case int32:
			k = int32(i)
		case int64:
			k = int64(i)
		case string:
			k = strconv.Itoa(i)
		}
		keys = append(keys, k.(T))
	}
	return keys
}

func BenchmarkMapIter(b *testing.B) {
	runCases(b,
		keyCase("Int64", benchmarkRuntimeMapIter[int64], benchmarkSwissMapIter[int64]))
}

func BenchmarkMapGetHit(b *testing.B) {
	runCases(b,
		keyCase("Int64", benchmarkRuntimeMapGetHit[int64], benchmarkSwissMapGetHit[int64]),
		keyCase("Int32", benchmarkRuntimeMapGetHit[int32], benchmarkSwissMapGetHit[int32]),
		keyCase("String", benchmarkRuntimeMapGetHit[string], benchmarkSwissMapGetHit[string]))
}

func BenchmarkMapGetMiss(b *testing.B) {
	runCases(b,
		keyCase("Int64", benchmarkRuntimeMapGetMiss[int64], benchmarkSwissMapGetMiss[int64]),
		keyCase("Int32", benchmarkRuntimeMapGetMiss[int32], benchmarkSwissMapGetMiss[int32]),
		keyCase("String", benchmarkRuntimeMapGetMiss[string], benchmarkSwissMapGetMiss[string]))
}

func BenchmarkMapPutGrow(b *testing.B) {
	runCases(b,
		keyCase("Int64", benchmarkRuntimeMapPutGrow[int64], benchmarkSwissMapPutGrow[int64]),
		keyCase("Int32", benchmarkRuntimeMapPutGrow[int32], benchmarkSwissMapPutGrow[int32]),
		keyCase("String", benchmarkRuntimeMapPutGrow[string], benchmarkSwissMapPutGrow[string]))
}

// BenchmarkMapPutTracked measures growth through a TrackingAllocator.
func BenchmarkMapPutTracked(b *testing.B) {
	runCases(b,
		keyCase("Int64", nil, benchmarkSwissMapPutTracked[int64]),
		keyCase("String", nil, benchmarkSwissMapPutTracked[string]))
}

func BenchmarkMapPutReuse(b *testing.B) {
	runCases(b,
		keyCase("Int64", benchmarkRuntimeMapPutReuse[int64], benchmarkSwissMapPutReuse[int64]),
		keyCase("String", benchmarkRuntimeMapPutReuse[string], benchmarkSwissMapPutReuse[string]))
}

func BenchmarkMapPutDelete(b *testing.B) {
	runCases(b,
		keyCase("Int64", benchmarkRuntimeMapPutDelete[int64], benchmarkSwissMapPutDelete[int64]),
		keyCase("String", benchmarkRuntimeMapPutDelete[string], benchmarkSwissMapPutDelete[string]))
}

// BenchmarkMapChurn measures a map of fixed size whose keys are continually
// replaced, so inserts land on tombstones and the table is periodically
// rebuilt to purge them.
func BenchmarkMapChurn(b *testing.B) {
	runCases(b,
		keyCase("Int64", benchmarkRuntimeMapChurn[int64], benchmarkSwissMapChurn[int64]))
}

func newSwissMap[T benchTypes](keys []T, options ...Option[T, T]) *Map[T, T] {
	m := New[T, T](options...)
	for _, k := range keys {
		m.Put(k, k)
	}
	return m
}

func newRuntimeMap[T benchTypes](keys []T) map[T]T {
	m := make(map[T]T, len(keys))
	for _, k := range keys {
		m[k] = k
	}
	return m
}

func benchmarkRuntimeMapIter[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newRuntimeMap(genKeys(0, n))
	var sum T
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for k, v := range m {
			sum += k + v
		}
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, sum)
}

func benchmarkSwissMapIter[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newSwissMap(genKeys(0, n))
	var sum T
	b.ResetTimer()
	perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		for k, v := range m.All {
			sum += k + v
		}
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, sum)
}

func benchmarkRuntimeMapGetHit[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newRuntimeMap(genKeys(0, n))
	// Look up with freshly generated keys. The builtin map skips the string
	// comparison when the key shares its data with the stored key, which
	// lookups rarely do in practice.
	keys := genKeys(0, n)
	var ok bool
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, ok = m[keys[i%n]]
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkSwissMapGetHit[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newSwissMap(genKeys(0, n))
	keys := genKeys(0, n)
	var ok bool
	b.ResetTimer()
	perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		_, ok = m.Get(keys[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRuntimeMapGetMiss[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newRuntimeMap(genKeys(0, n))
	miss := genKeys(-n, 0)
	var ok bool
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, ok = m[miss[i%n]]
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkSwissMapGetMiss[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newSwissMap(genKeys(0, n))
	miss := genKeys(-n, 0)
	var ok bool
	b.ResetTimer()
	perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		_, ok = m.Get(miss[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRuntimeMapPutGrow[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m := make(map[T]T)
		for _, k := range keys {
			m[k] = k
		}
	}
}

func benchmarkSwissMapPutGrow[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	keys := genKeys(0, n)
	var m Map[T, T]
	b.ResetTimer()
	perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		m.Init()
		for _, k := range keys {
			m.Put(k, k)
		}
	}
}

func benchmarkSwissMapPutTracked[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	keys := genKeys(0, n)
	a := NewTrackingAllocator[T, T](nil, 0)
	options := []Option[T, T]{WithAllocator[T, T](a), WithTag[T, T]("bench")}
	var m Map[T, T]
	b.ResetTimer()
	perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		m.Init(options...)
		for _, k := range keys {
			m.Put(k, k)
		}
		m.Close()
	}
}

func benchmarkRuntimeMapPutReuse[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	keys := genKeys(0, n)
	m := make(map[T]T, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, k := range keys {
			m[k] = k
		}
		clear(m)
	}
}

func benchmarkSwissMapPutReuse[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	keys := genKeys(0, n)
	m := New[T, T]()
	b.ResetTimer()
	perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		for _, k := range keys {
			m.Put(k, k)
		}
		m.Clear()
	}
}

func benchmarkRuntimeMapPutDelete[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	keys := genKeys(0, n)
	m := newRuntimeMap(keys)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := keys[i%n]
		delete(m, k)
		m[k] = k
	}
}

func benchmarkSwissMapPutDelete[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	keys := genKeys(0, n)
	m := newSwissMap(keys)
	b.ResetTimer()
	perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		k := keys[i%n]
		m.Delete(k)
		m.Put(k, k)
	}
}

func benchmarkRuntimeMapChurn[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	keys := genKeys(0, 2*n)
	m := newRuntimeMap(keys[:n])
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		j := i % len(keys)
		k := keys[(j+n)%len(keys)]
		delete(m, keys[j])
		m[k] = k
	}
}

func benchmarkSwissMapChurn[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	keys := genKeys(0, 2*n)
	m := newSwissMap(keys[:n])
	b.ResetTimer()
	perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		// The map always holds the n keys following keys[j].
		j := i % len(keys)
		k := keys[(j+n)%len(keys)]
		m.Delete(keys[j])
		m.Put(k, k)
	}
	b.StopTimer()
	b.ReportMetric(float64(m.Stats().Purges), "purges")
}

func BenchmarkMatchH2(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	var groups [64][]ctrl
	for i := range groups {
		groups[i] = randomGroup(rng)
	}
	for _, s := range scanners {
		b.Run("impl="+s.name, func(b *testing.B) {
			var r bitset
			b.ResetTimer()
			perfbench.Open(b)
			for i := 0; i < b.N; i++ {
				g := groups[i&(len(groups)-1)]
				r |= s.matchH2(&g[0], uintptr(i&0x7f))
				r |= s.matchEmpty(&g[0])
			}
			b.StopTimer()
			fmt.Fprint(io.Discard, r)
		})
	}
}
