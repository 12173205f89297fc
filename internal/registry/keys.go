package registry

// Key helpers. Every cached value is addressed by one of these so that
// invalidation can find it again.

// CurrentUser is the key for the signed-in user
func CurrentUser() string { return "user:current" }

// UserByID is the key for a single user record
func UserByID(id string) string { return "user:" + id }

// UserProfile is the key for a user's profile
func UserProfile(id string) string { return "user:" + id + ":profile" }

// UserList is the key for a user listing, optionally filtered by role
func UserList(role string) string {
	if role != "" {
		return "users:role:" + role
	}
	return "users:all"
}

// UserRoles is the key for a user's role set
func UserRoles(id string) string { return "user:" + id + ":roles" }

// WarehouseList is the key for the warehouse listing
func WarehouseList(activeOnly bool) string {
	if activeOnly {
		return "warehouses:active"
	}
	return "warehouses:all"
}

func WarehouseByID(id string) string     { return "warehouse:" + id }
func WarehouseWithRule(id string) string { return "warehouse:" + id + ":rule" }
func WarehouseDrivers(id string) string  { return "warehouse:" + id + ":drivers" }
func WarehouseManagers(id string) string { return "warehouse:" + id + ":managers" }

func DriverWarehouses(driverID string) string   { return "driver:" + driverID + ":warehouses" }
func DriverWarehouseIDs(driverID string) string { return "driver:" + driverID + ":warehouse-ids" }

func ManagerWarehouses(managerID string) string   { return "manager:" + managerID + ":warehouses" }
func ManagerWarehouseIDs(managerID string) string { return "manager:" + managerID + ":warehouse-ids" }
func ManagerPermission(managerID string) string   { return "manager:" + managerID + ":permission" }

// Categories is the dictionary key for a warehouse's categories
func Categories(warehouseID string) string { return "warehouse:" + warehouseID + ":categories" }

// AttendanceRules is the key for the attendance rule set
func AttendanceRules() string { return "attendance:rules:all" }
