/*
Package registry holds the engine's named stores (api, user, warehouse, dictionary, config),
the key helpers used to address cached records, and targeted invalidation over those keys.

	reg, _ := registry.New(cfg.Registry, registry.WithMetrics(collector))
	stop := reg.StartCleanup(cfg.Registry.CleanupInterval)
	defer stop()

	reg.Users().Set(registry.UserByID(id), user)
	reg.InvalidateUser(id) // record, roles, profile and every user listing
*/
package registry
