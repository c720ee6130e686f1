package model

// ActorRole identifies the party performing a physical scan. Roles and their
// identities come from the external authorization collaborator.
type ActorRole string

const (
	RoleTransporter ActorRole = "TRANSPORTER"
	RoleWarehouse   ActorRole = "WAREHOUSE"
	RoleRetailer    ActorRole = "RETAILER"
)

// ScanStage is one row of the custody stage table: which container status a
// role's scan requires, which status it produces, and the shipment-level
// transition fired when every container of the shipment reaches the result.
// New stages are added by extending the table, not by adding branches.
type ScanStage struct {
	Role           ActorRole
	RequiredStatus ContainerStatus
	ResultStatus   ContainerStatus

	// ShipmentFrom/ShipmentTo describe the aggregate transition triggered on
	// completion. Empty means the stage has no aggregate effect (dispatch is
	// command-driven, not scan-driven).
	ShipmentFrom ShipmentStatus
	ShipmentTo   ShipmentStatus
}

var scanStages = []ScanStage{
	{Role: RoleTransporter, RequiredStatus: ContainerCreated, ResultStatus: ContainerInTransit},
	{Role: RoleWarehouse, RequiredStatus: ContainerInTransit, ResultStatus: ContainerAtWarehouse,
		ShipmentFrom: ShipmentInTransit, ShipmentTo: ShipmentAtWarehouse},
	{Role: RoleRetailer, RequiredStatus: ContainerAtWarehouse, ResultStatus: ContainerDelivered,
		ShipmentFrom: ShipmentAtWarehouse, ShipmentTo: ShipmentDelivered},
}

// StageForRole looks up the custody stage a role scans at.
func StageForRole(role ActorRole) (ScanStage, bool) {
	for _, st := range scanStages {
		if st.Role == role {
			return st, true
		}
	}
	return ScanStage{}, false
}

// Stages returns the ordered custody stage table.
func Stages() []ScanStage {
	out := make([]ScanStage, len(scanStages))
	copy(out, scanStages)
	return out
}
