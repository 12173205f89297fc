package registry

import (
	"strings"

	"github.com/fleetwork/cacheengine/pkg/errors"
)

// Entity kinds accepted by InvalidateEntity
const (
	KindUser      = "user"
	KindWarehouse = "warehouse"
	KindDriver    = "driver"
	KindManager   = "manager"
)

// InvalidateUser drops a user's cached records and every user listing.
// An empty id clears the whole user store.
func (r *Registry) InvalidateUser(userID string) int {
	users := r.Users()
	if userID == "" {
		n := users.Size()
		users.Clear()
		n += r.dropAttached([]string{"user:", "users:"})
		r.logger.Info("invalidated user store", "removed", n)
		return n
	}

	keys := []string{UserByID(userID), UserProfile(userID), UserRoles(userID)}
	n := deleteKeys(users, keys...)
	// Listings may contain this user.
	n += users.DeletePrefix("users:")
	n += r.dropAttached([]string{"users:"}, keys...)
	r.logger.Info("invalidated user", "user_id", userID, "removed", n)
	return n
}

// InvalidateWarehouse drops a warehouse's cached records, its categories and
// the warehouse listings. An empty id clears the whole warehouse store.
func (r *Registry) InvalidateWarehouse(warehouseID string) int {
	warehouses := r.Warehouses()
	if warehouseID == "" {
		n := warehouses.Size()
		warehouses.Clear()
		n += r.dropAttached([]string{"warehouse:", "warehouses:"})
		r.logger.Info("invalidated warehouse store", "removed", n)
		return n
	}

	keys := []string{
		WarehouseByID(warehouseID),
		WarehouseWithRule(warehouseID),
		WarehouseDrivers(warehouseID),
		WarehouseManagers(warehouseID),
		WarehouseList(true),
		WarehouseList(false),
	}
	n := deleteKeys(warehouses, keys...)
	n += deleteKeys(r.Dictionary(), Categories(warehouseID))
	n += r.dropAttached(nil, append(keys, Categories(warehouseID))...)
	r.logger.Info("invalidated warehouse", "warehouse_id", warehouseID, "removed", n)
	return n
}

// InvalidateDriverWarehouses drops a driver's warehouse associations and,
// when warehouseID is set, that warehouse's driver list.
func (r *Registry) InvalidateDriverWarehouses(driverID, warehouseID string) int {
	keys := []string{DriverWarehouses(driverID), DriverWarehouseIDs(driverID)}
	if warehouseID != "" {
		keys = append(keys, WarehouseDrivers(warehouseID))
	}
	n := deleteKeys(r.Warehouses(), keys...)
	n += r.dropAttached(nil, keys...)
	r.logger.Info("invalidated driver warehouses", "driver_id", driverID, "warehouse_id", warehouseID, "removed", n)
	return n
}

// InvalidateManagerWarehouses drops a manager's warehouse associations and
// permission record and, when warehouseID is set, that warehouse's manager list.
func (r *Registry) InvalidateManagerWarehouses(managerID, warehouseID string) int {
	keys := []string{
		ManagerWarehouses(managerID),
		ManagerWarehouseIDs(managerID),
		ManagerPermission(managerID),
	}
	if warehouseID != "" {
		keys = append(keys, WarehouseManagers(warehouseID))
	}
	n := deleteKeys(r.Warehouses(), keys...)
	n += r.dropAttached(nil, keys...)
	r.logger.Info("invalidated manager warehouses", "manager_id", managerID, "warehouse_id", warehouseID, "removed", n)
	return n
}

// InvalidateEntity dispatches on kind. relatedID is the warehouse for driver
// and manager kinds and is ignored otherwise.
func (r *Registry) InvalidateEntity(kind, id, relatedID string) (int, error) {
	switch strings.ToLower(kind) {
	case KindUser:
		return r.InvalidateUser(id), nil
	case KindWarehouse:
		return r.InvalidateWarehouse(id), nil
	case KindDriver:
		return r.InvalidateDriverWarehouses(id, relatedID), nil
	case KindManager:
		return r.InvalidateManagerWarehouses(id, relatedID), nil
	default:
		return 0, errors.NewError(errors.ErrCodeValidationFailed, "unknown entity kind").
			WithComponent("registry").
			WithOperation("invalidate").
			WithDetail("kind", kind)
	}
}

// dropAttached applies an invalidation to every attached store
func (r *Registry) dropAttached(prefixes []string, keys ...string) int {
	n := 0
	for _, m := range r.attachedMembers() {
		n += deleteKeys(m, keys...)
		for _, p := range prefixes {
			n += m.DeletePrefix(p)
		}
	}
	return n
}

func deleteKeys(s Member, keys ...string) int {
	n := 0
	for _, k := range keys {
		if s.Delete(k) {
			n++
		}
	}
	return n
}
