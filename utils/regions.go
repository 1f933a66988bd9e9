package utils

import (
	"net"
	"strings"
)

const (
	RegionUSEast       = "US-East"
	RegionUSCentral    = "US-Central"
	RegionUSWest       = "US-West"
	RegionEUWest       = "EU-West"
	RegionEUCentral    = "EU-Central"
	RegionEUNorth      = "EU-North"
	RegionAsiaPacific  = "Asia-Pacific"
	RegionSouthAmerica = "South-America"
	RegionMiddleEast   = "Middle-East"
	RegionAfrica       = "Africa"

	LocationPrivate = "Private/Local Network"
	LocationUnknown = "Unknown"
)

// US subdivisions by ISO 3166-2 code. Everything not listed is US-East.
var usStateRegions = map[string]string{
	"CA": RegionUSWest, "OR": RegionUSWest, "WA": RegionUSWest, "NV": RegionUSWest,
	"AZ": RegionUSWest, "UT": RegionUSWest, "ID": RegionUSWest, "MT": RegionUSWest,
	"WY": RegionUSWest, "CO": RegionUSWest, "NM": RegionUSWest, "AK": RegionUSWest,
	"HI": RegionUSWest,

	"TX": RegionUSCentral, "OK": RegionUSCentral, "KS": RegionUSCentral, "NE": RegionUSCentral,
	"SD": RegionUSCentral, "ND": RegionUSCentral, "MN": RegionUSCentral, "IA": RegionUSCentral,
	"MO": RegionUSCentral, "AR": RegionUSCentral, "LA": RegionUSCentral, "WI": RegionUSCentral,
	"IL": RegionUSCentral,
}

// Countries by ISO 3166-1 alpha-2 code.
var countryRegions = map[string]string{
	"GB": RegionEUWest, "IE": RegionEUWest, "FR": RegionEUWest, "NL": RegionEUWest,
	"BE": RegionEUWest, "LU": RegionEUWest, "ES": RegionEUWest, "PT": RegionEUWest,

	"DE": RegionEUCentral, "AT": RegionEUCentral, "CH": RegionEUCentral, "PL": RegionEUCentral,
	"CZ": RegionEUCentral, "SK": RegionEUCentral, "HU": RegionEUCentral, "IT": RegionEUCentral,
	"SI": RegionEUCentral, "HR": RegionEUCentral, "RO": RegionEUCentral, "BG": RegionEUCentral,
	"GR": RegionEUCentral, "RS": RegionEUCentral, "UA": RegionEUCentral,

	"SE": RegionEUNorth, "NO": RegionEUNorth, "FI": RegionEUNorth, "DK": RegionEUNorth,
	"IS": RegionEUNorth, "EE": RegionEUNorth, "LV": RegionEUNorth, "LT": RegionEUNorth,

	"JP": RegionAsiaPacific, "KR": RegionAsiaPacific, "CN": RegionAsiaPacific, "HK": RegionAsiaPacific,
	"TW": RegionAsiaPacific, "SG": RegionAsiaPacific, "MY": RegionAsiaPacific, "TH": RegionAsiaPacific,
	"VN": RegionAsiaPacific, "ID": RegionAsiaPacific, "PH": RegionAsiaPacific, "IN": RegionAsiaPacific,
	"AU": RegionAsiaPacific, "NZ": RegionAsiaPacific,

	"BR": RegionSouthAmerica, "AR": RegionSouthAmerica, "CL": RegionSouthAmerica, "CO": RegionSouthAmerica,
	"PE": RegionSouthAmerica, "UY": RegionSouthAmerica, "VE": RegionSouthAmerica, "EC": RegionSouthAmerica,

	"AE": RegionMiddleEast, "SA": RegionMiddleEast, "IL": RegionMiddleEast, "TR": RegionMiddleEast,
	"QA": RegionMiddleEast, "BH": RegionMiddleEast, "KW": RegionMiddleEast, "OM": RegionMiddleEast,
	"JO": RegionMiddleEast, "IR": RegionMiddleEast,

	"ZA": RegionAfrica, "NG": RegionAfrica, "KE": RegionAfrica, "EG": RegionAfrica,
	"MA": RegionAfrica, "GH": RegionAfrica, "TN": RegionAfrica,
}

// RegionFor maps a resolved country (and US subdivision) to a coarse region.
// Unmapped countries fall back to the country name.
func RegionFor(countryCode, subdivisionCode, countryName string) string {
	cc := strings.ToUpper(strings.TrimSpace(countryCode))
	if cc == "US" {
		if r, ok := usStateRegions[strings.ToUpper(strings.TrimSpace(subdivisionCode))]; ok {
			return r
		}
		return RegionUSEast
	}
	if r, ok := countryRegions[cc]; ok {
		return r
	}
	if countryName != "" {
		return countryName
	}
	return LocationUnknown
}

type octetRange struct {
	from, to int
	region   string
}

// Coarse first-octet allocation map, used when no lookup is possible.
var octetRegions = []octetRange{
	{1, 1, RegionAsiaPacific},
	{2, 2, RegionEUWest},
	{3, 4, RegionUSEast},
	{5, 5, RegionEUCentral},
	{6, 30, RegionUSEast},
	{31, 31, RegionEUCentral},
	{32, 35, RegionUSCentral},
	{36, 36, RegionAsiaPacific},
	{37, 37, RegionEUCentral},
	{38, 40, RegionUSWest},
	{41, 41, RegionAfrica},
	{42, 43, RegionAsiaPacific},
	{44, 45, RegionUSWest},
	{46, 46, RegionEUNorth},
	{47, 48, RegionUSCentral},
	{49, 49, RegionAsiaPacific},
	{50, 57, RegionUSEast},
	{58, 61, RegionAsiaPacific},
	{62, 62, RegionEUCentral},
	{63, 76, RegionUSCentral},
	{77, 95, RegionEUWest},
	{96, 100, RegionUSEast},
	{101, 126, RegionAsiaPacific},
	{128, 139, RegionUSEast},
	{140, 140, RegionUSWest},
	{141, 141, RegionEUCentral},
	{142, 143, RegionUSEast},
	{144, 144, RegionUSWest},
	{145, 145, RegionEUWest},
	{146, 150, RegionUSCentral},
	{151, 151, RegionEUCentral},
	{152, 167, RegionUSEast},
	{168, 168, RegionUSWest},
	{169, 174, RegionUSEast},
	{175, 175, RegionAsiaPacific},
	{176, 178, RegionEUCentral},
	{179, 179, RegionSouthAmerica},
	{180, 183, RegionAsiaPacific},
	{184, 184, RegionUSEast},
	{185, 185, RegionEUCentral},
	{186, 187, RegionSouthAmerica},
	{188, 188, RegionEUCentral},
	{189, 191, RegionSouthAmerica},
	{192, 192, RegionUSEast},
	{193, 195, RegionEUCentral},
	{196, 197, RegionAfrica},
	{198, 199, RegionUSEast},
	{200, 201, RegionSouthAmerica},
	{202, 203, RegionAsiaPacific},
	{204, 209, RegionUSEast},
	{210, 211, RegionAsiaPacific},
	{212, 213, RegionEUWest},
	{214, 216, RegionUSEast},
	{217, 217, RegionEUCentral},
	{218, 223, RegionAsiaPacific},
}

// RegionFromFirstOctet is the offline fallback: a coarse region from the
// first octet of an IPv4 address, LocationUnknown for anything else.
func RegionFromFirstOctet(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return LocationUnknown
	}
	v4 := ip.To4()
	if v4 == nil {
		return LocationUnknown
	}
	first := int(v4[0])
	for _, r := range octetRegions {
		if first >= r.from && first <= r.to {
			return r.region
		}
	}
	return LocationUnknown
}

// IsPrivateIP reports loopback, RFC1918, link-local and unspecified
// addresses. Unparseable input is not private.
func IsPrivateIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
