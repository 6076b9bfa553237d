package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Storage 管理全部具名 bucket。bucket 在首次 Open 时惰性创建，
// 直到被显式 Delete 之前一直存在。
type Storage interface {
	// Open 返回指定名称的 bucket，不存在时创建。
	Open(ctx context.Context, name string) (Bucket, error)

	// Lookup 返回已存在的 bucket，不存在时返回 ErrNotFound，不会创建。
	Lookup(ctx context.Context, name string) (Bucket, error)

	// Has 报告 bucket 是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个 bucket，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 返回所有 bucket 名称，按字典序排列。
	Keys(ctx context.Context) ([]string, error)
}

// Bucket 存放 request key → response 的映射。同一 key 的并发写入由实现串行化，
// 最后写入者生效。
type Bucket interface {
	Name() string

	// Match 返回缓存的响应副本，未命中时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Put 写入（或覆盖）条目，实现需保证写入原子性。
	Put(ctx context.Context, key Key, resp *Response) error

	// Keys 返回 bucket 内所有条目的 key。
	Keys(ctx context.Context) ([]Key, error)
}

var (
	// ErrNotFound 表示缓存不存在，是正常分支而不是故障。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidBucketName 表示 bucket 名称包含路径分隔符等非法字符。
	ErrInvalidBucketName = errors.New("invalid bucket name")
)

var bucketNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateBucketName 确保 bucket 名称可以安全地映射为目录名。
func ValidateBucketName(name string) error {
	if !bucketNamePattern.MatchString(name) || len(name) > 128 {
		return fmt.Errorf("%w: %q", ErrInvalidBucketName, name)
	}
	return nil
}
