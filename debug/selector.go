package debug

type Tselector string

// ALWAYS
const (
	ALWAYS Tselector = "ALWAYS"
	ERROR            = "ERROR"
	NEVER            = "NEVER"
)

// ERR
const (
	ERR Tselector = "_ERR"
)

// Tests and benchmarks
const (
	TEST  Tselector = "TEST"
	BENCH           = "BENCH"
)

// Infrastructure
const (
	CONFIG Tselector = "CONFIG"
	HANDLE           = "HANDLE"
)

// Areas
const (
	AREA     Tselector = "AREA"
	AREA_ERR           = AREA + ERR
)

// Images
const (
	IMAGE      Tselector = "IMAGE"
	IMAGE_ERR            = IMAGE + ERR
	TRAMPOLINE           = "TRAMPOLINE"
	LAUNCH_LAT           = "LAUNCH_LAT"
)

// Add-ons
const (
	ADDON     Tselector = "ADDON"
	ADDON_ERR           = ADDON + ERR
)
