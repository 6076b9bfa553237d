package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路由类别/策略/命中来源字段，供代理请求日志复用。
func RequestFields(class, strategy, method, target, outcome string) logrus.Fields {
	return logrus.Fields{
		"route_class":   class,
		"strategy":      strategy,
		"method":        method,
		"target":        target,
		"cache_outcome": outcome,
	}
}

// ControllerFields 标识一个 lifecycle controller 及其 generation。
func ControllerFields(action, controllerID string, generations map[string]string) logrus.Fields {
	return logrus.Fields{
		"action":        action,
		"controller_id": controllerID,
		"generation":    generations,
	}
}
