package main

import (
	"github.com/mihaimyh/gopoints/internal/config"
	"github.com/mihaimyh/gopoints/pkg/points"
)

// newUserResolver returns nil, which the manager treats as accept-all, unless an allow list is set
func newUserResolver(cfg config.UsersConfig) points.UserResolver {
	if len(cfg.Allowed) == 0 {
		return nil
	}

	var resolver points.UserResolver = points.NewStaticUserResolver(cfg.Allowed...)
	if cfg.CacheSize > 0 {
		resolver = points.NewCachingUserResolver(resolver, cfg.CacheSize, cfg.CacheTTL)
	}
	return resolver
}
