package constants

// Deployment stages
const (
	DevEnvironment  = "dev"
	TestEnvironment = "test"
	ProdEnvironment = "prod"
)

// Jurisdiction types
const (
	JurisdictionTypeFederal = "federal"
	JurisdictionTypeState   = "state"
	JurisdictionTypeCounty  = "county"
	JurisdictionTypeCity    = "city"
	JurisdictionTypeSpecial = "special"
)

// Rate status
const (
	RateStatusActive   = "active"
	RateStatusInactive = "inactive"
)

// Tax categories
const (
	TaxCategoryGeneral      = "general"
	TaxCategoryFood         = "food"
	TaxCategoryClothing     = "clothing"
	TaxCategoryPrescription = "prescription"
	TaxCategoryDigital      = "digital"
)

// POS providers
const (
	ProviderClover = "clover"
)

// Refresh job priorities
const (
	JobPriorityHigh   = "high"
	JobPriorityNormal = "normal"
)

// Rates older than this many days count as stale for confidence scoring.
const RateStalenessDays = 30
