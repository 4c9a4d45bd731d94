package schema

// SOAP operation names. They are part of the wire contract.
const (
	OpLocalTime          = "GetLokaleUhrzeit"
	OpQuota              = "GetAktuellerStandTageskontingent"
	OpFilteredPowerUnits = "GetGefilterteListeStromErzeuger"
	OpListUnits          = "GetListeAlleEinheiten"
	OpListLocations      = "GetListeAlleLokationen"
	OpKwk                = "GetAnlageKwk"
	OpPermit             = "GetEinheitGenehmigung"
)

// LocationType maps a Lokationtyp label to its detail operation.
type LocationType struct {
	Label string
	Op    string
}

// LocationParam is the SOAP parameter of every location detail operation.
const LocationParam = "lokationMastrNummer"

var locationTypes = []LocationType{
	{Label: "Stromerzeugungslokation", Op: "GetLokationStromErzeuger"},
	{Label: "Stromverbrauchslokation", Op: "GetLokationStromVerbraucher"},
	{Label: "Gaserzeugungslokation", Op: "GetLokationGasErzeuger"},
	{Label: "Gasverbrauchslokation", Op: "GetLokationGasVerbraucher"},
}

// LocationTypes returns the registered location types.
func LocationTypes() []LocationType { return append([]LocationType(nil), locationTypes...) }

// LookupLocationType resolves a Lokationtyp label.
func LookupLocationType(label string) (LocationType, bool) {
	for _, lt := range locationTypes {
		if lt.Label == label {
			return lt, true
		}
	}
	return LocationType{}, false
}

// Operations returns every operation name the client may call.
func Operations() []string {
	ops := []string{OpLocalTime, OpQuota, OpFilteredPowerUnits, OpListUnits, OpListLocations, OpKwk, OpPermit}
	for _, k := range unitKinds {
		ops = append(ops, k.ExtendedOp)
		if k.EegOp != "" {
			ops = append(ops, k.EegOp)
		}
	}
	for _, lt := range locationTypes {
		ops = append(ops, lt.Op)
	}
	return ops
}

// IsOperation reports whether op is registered.
func IsOperation(op string) bool {
	for _, o := range Operations() {
		if o == op {
			return true
		}
	}
	return false
}
