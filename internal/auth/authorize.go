package auth

// Action is a coarse capability verb.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionAdmin  Action = "admin"
)

// ResourceKind names the protected resource classes.
type ResourceKind string

const (
	ResourceStation    ResourceKind = "station"
	ResourcePlatform   ResourceKind = "platform"
	ResourceInstrument ResourceKind = "instrument"
	ResourceROI        ResourceKind = "roi"
	ResourceUser       ResourceKind = "user"
	ResourceMagicLink  ResourceKind = "magiclink"
)

// Can decides whether the identity may perform action on a resource of the
// given kind. resourceStation is the station the resource belongs to; for a
// station resource it is the station's own id, and empty means the resource
// is not station-bound. Pure function, no side effects.
func Can(id Identity, action Action, kind ResourceKind, resourceStation string) bool {
	if !id.Active {
		return false
	}
	switch id.Role {
	case RoleGlobalAdmin:
		return true

	case RoleStationAdmin, RoleStationUser:
		if !roleAllows(id.Role, action) {
			return false
		}
		// Stations and users are only ever deleted by global admins.
		if action == ActionDelete && (kind == ResourceStation || kind == ResourceUser) {
			return false
		}
		if resourceStation != "" && resourceStation != id.StationID {
			return false
		}
		return true

	case RoleReadonly:
		return action == ActionRead

	case RoleStationInternal:
		if action != ActionRead {
			return false
		}
		return resourceStation == "" || resourceStation == id.StationID

	default:
		// Closed world: unknown roles get nothing.
		return false
	}
}

func roleAllows(r Role, action Action) bool {
	switch action {
	case ActionRead:
		return true
	case ActionWrite:
		return r.CanWrite()
	case ActionDelete:
		return r.CanDelete()
	case ActionAdmin:
		return r.CanAdmin()
	}
	return false
}
