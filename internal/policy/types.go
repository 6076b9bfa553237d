// Package policy 描述请求分类与缓存策略的静态部分：路由类别、策略种类、
// bucket 角色，以及按优先级排列的谓词规则。本包不做任何 I/O，
// 分类结果交给 strategy 包执行。
package policy

import (
	"fmt"
	"strings"
)

// Class 是请求在选择缓存策略之前被归入的类别。
type Class string

const (
	ClassPassThrough Class = "pass-through"
	ClassAppShell    Class = "app-shell"
	ClassProxyOnly   Class = "proxy-only"
	ClassAPIData     Class = "api-data"
	ClassStaticAsset Class = "static-asset"
)

// Kind 枚举缓存策略，仅描述缓存查找与网络请求的先后顺序及回写行为。
type Kind string

const (
	KindCacheFirst           Kind = "cache-first"
	KindNetworkFirst         Kind = "network-first"
	KindNetworkOnly          Kind = "network-only"
	KindStaleWhileRevalidate Kind = "stale-while-revalidate"
)

// Kinds 返回全部策略种类，顺序固定。
func Kinds() []Kind {
	return []Kind{KindCacheFirst, KindNetworkFirst, KindNetworkOnly, KindStaleWhileRevalidate}
}

// ParseKind 将配置中的策略名称标准化。
func ParseKind(raw string) (Kind, error) {
	normalized := Kind(strings.ToLower(strings.TrimSpace(raw)))
	for _, k := range Kinds() {
		if k == normalized {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown strategy kind: %q", raw)
}

// ReadsCache 表示该策略是否会查询 bucket。
func (k Kind) ReadsCache() bool {
	return k != KindNetworkOnly && k != ""
}

// Role 表示 bucket 的逻辑角色，每个角色在同一时刻只有一个当前 generation。
type Role string

const (
	RoleNone   Role = ""
	RoleShell  Role = "shell"
	RoleData   Role = "data"
	RoleStatic Role = "static"
)

// Roles 返回全部可缓存角色。
func Roles() []Role {
	return []Role{RoleShell, RoleData, RoleStatic}
}

// ParseRole 解析配置中的角色名称。
func ParseRole(raw string) (Role, error) {
	normalized := Role(strings.ToLower(strings.TrimSpace(raw)))
	for _, r := range Roles() {
		if r == normalized {
			return r, nil
		}
	}
	return RoleNone, fmt.Errorf("unknown bucket role: %q", raw)
}

// RoleForClass 返回类别对应的 bucket 角色；不缓存的类别返回 RoleNone。
func RoleForClass(class Class) Role {
	switch class {
	case ClassAppShell:
		return RoleShell
	case ClassAPIData:
		return RoleData
	case ClassStaticAsset:
		return RoleStatic
	default:
		return RoleNone
	}
}
