// Package generation 持有每个 bucket 角色的当前版本号，并负责在激活时删除旧版本 bucket。
// 版本号由发布者在配置中递增，运行时从不自行计算。
package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/murajaah/murajaah-cache/internal/cache"
	"github.com/murajaah/murajaah-cache/internal/policy"
)

// Manager 维护 role → generation 映射。实例创建后不可变，版本变化意味着新的 Manager。
type Manager struct {
	namespace   string
	storage     cache.Storage
	generations map[policy.Role]string
}

// New 校验并复制 generation 映射，namespace 作为 bucket 名称前缀。
func New(namespace string, storage cache.Storage, generations map[policy.Role]string) (*Manager, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, errors.New("generation namespace required")
	}
	if storage == nil {
		return nil, errors.New("cache storage required")
	}

	copied := make(map[policy.Role]string, len(policy.Roles()))
	for _, role := range policy.Roles() {
		tag := strings.TrimSpace(generations[role])
		if tag == "" {
			return nil, fmt.Errorf("generation for role %s required", role)
		}
		copied[role] = tag
		if err := cache.ValidateBucketName(bucketName(namespace, role, tag)); err != nil {
			return nil, err
		}
	}

	return &Manager{
		namespace:   namespace,
		storage:     storage,
		generations: copied,
	}, nil
}

// Namespace 返回应用命名空间。
func (m *Manager) Namespace() string {
	return m.namespace
}

// Generation 返回角色的当前版本号。
func (m *Manager) Generation(role policy.Role) string {
	return m.generations[role]
}

// Generations 返回映射副本。
func (m *Manager) Generations() map[policy.Role]string {
	out := make(map[policy.Role]string, len(m.generations))
	for role, tag := range m.generations {
		out[role] = tag
	}
	return out
}

// CurrentBucketName 返回角色当前的 bucket 名称，例如 murajaah-shell-v2.0。
func (m *Manager) CurrentBucketName(role policy.Role) string {
	tag, ok := m.generations[role]
	if !ok {
		return ""
	}
	return bucketName(m.namespace, role, tag)
}

// CurrentBucketNames 返回全部当前 bucket 名称，按字典序排列。
func (m *Manager) CurrentBucketNames() []string {
	names := make([]string, 0, len(m.generations))
	for _, role := range policy.Roles() {
		names = append(names, m.CurrentBucketName(role))
	}
	sort.Strings(names)
	return names
}

// IsCurrent 报告 bucket 是否属于当前 generation。
func (m *Manager) IsCurrent(name string) bool {
	for _, role := range policy.Roles() {
		if m.CurrentBucketName(role) == name {
			return true
		}
	}
	return false
}

// Open 打开角色当前的 bucket。
func (m *Manager) Open(ctx context.Context, role policy.Role) (cache.Bucket, error) {
	name := m.CurrentBucketName(role)
	if name == "" {
		return nil, fmt.Errorf("no bucket for role %q", role)
	}
	return m.storage.Open(ctx, name)
}

// Lookup 返回角色当前的 bucket；bucket 尚不存在时返回 cache.ErrNotFound，不会创建。
func (m *Manager) Lookup(ctx context.Context, role policy.Role) (cache.Bucket, error) {
	name := m.CurrentBucketName(role)
	if name == "" {
		return nil, fmt.Errorf("no bucket for role %q", role)
	}
	return m.storage.Lookup(ctx, name)
}

// Migrate 删除所有不在当前集合中的 bucket，返回被删除的名称。重复执行不会产生额外删除。
func (m *Manager) Migrate(ctx context.Context) ([]string, error) {
	return m.deleteWhere(ctx, func(name string) bool {
		return !m.IsCurrent(name)
	})
}

// ClearNamespace 删除本应用命名空间下的全部 bucket，不区分版本，用于手动排障。
func (m *Manager) ClearNamespace(ctx context.Context) ([]string, error) {
	prefix := m.namespace + "-"
	return m.deleteWhere(ctx, func(name string) bool {
		return strings.HasPrefix(name, prefix)
	})
}

func (m *Manager) deleteWhere(ctx context.Context, match func(string) bool) ([]string, error) {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	var (
		deleted []string
		errs    []error
	)
	for _, name := range names {
		if !match(name) {
			continue
		}
		ok, err := m.storage.Delete(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, errors.Join(errs...)
}

func bucketName(namespace string, role policy.Role, tag string) string {
	return namespace + "-" + string(role) + "-" + tag
}
