package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/murajaah/murajaah-cache/internal/policy"
)

type runFunc func(e *Executor, ctx context.Context, route policy.Route, req *Request) (*Result, error)

// Descriptor 描述一种缓存策略：读/写缓存的顺序以及对应的执行函数。
// 策略本身不持有任何可变状态。
type Descriptor struct {
	Kind        policy.Kind `json:"kind"`
	Summary     string      `json:"summary"`
	ReadsCache  bool        `json:"reads_cache"`
	WritesCache bool        `json:"writes_cache"`
	Background  bool        `json:"background_revalidation"`

	run runFunc
}

var globalRegistry = newRegistry()

type registry struct {
	mu          sync.RWMutex
	descriptors map[policy.Kind]Descriptor
}

func newRegistry() *registry {
	return &registry{descriptors: make(map[policy.Kind]Descriptor)}
}

func init() {
	globalRegistry.mustRegister(Descriptor{
		Kind:    policy.KindNetworkOnly,
		Summary: "always fetch; never read or write a bucket",
		run:     (*Executor).networkOnly,
	})
	globalRegistry.mustRegister(Descriptor{
		Kind:        policy.KindCacheFirst,
		Summary:     "serve the cached entry; fetch and store only on miss",
		ReadsCache:  true,
		WritesCache: true,
		run:         (*Executor).cacheFirst,
	})
	globalRegistry.mustRegister(Descriptor{
		Kind:        policy.KindNetworkFirst,
		Summary:     "fetch and store; fall back to the cached entry on failure",
		ReadsCache:  true,
		WritesCache: true,
		run:         (*Executor).networkFirst,
	})
	globalRegistry.mustRegister(Descriptor{
		Kind:        policy.KindStaleWhileRevalidate,
		Summary:     "serve the cached entry and refresh it in the background",
		ReadsCache:  true,
		WritesCache: true,
		Background:  true,
		run:         (*Executor).staleWhileRevalidate,
	})
}

// Resolve 返回指定策略的描述。
func Resolve(kind policy.Kind) (Descriptor, bool) {
	return globalRegistry.resolve(kind)
}

// List 返回按名称排序的策略描述，供 /-/strategies 使用。
func List() []Descriptor {
	return globalRegistry.list()
}

func (r *registry) register(desc Descriptor) error {
	if desc.Kind == "" {
		return fmt.Errorf("strategy kind is required")
	}
	if desc.run == nil {
		return fmt.Errorf("strategy %s has no handler", desc.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[desc.Kind]; exists {
		return fmt.Errorf("strategy %s already registered", desc.Kind)
	}
	r.descriptors[desc.Kind] = desc
	return nil
}

func (r *registry) mustRegister(desc Descriptor) {
	if err := r.register(desc); err != nil {
		panic(err)
	}
}

func (r *registry) resolve(kind policy.Kind) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descriptors[kind]
	return desc, ok
}

func (r *registry) list() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Descriptor, 0, len(r.descriptors))
	for _, desc := range r.descriptors {
		result = append(result, desc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Kind < result[j].Kind })
	return result
}
