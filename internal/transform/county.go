package transform

import "fmt"

// DOR county codes run 11 (Alachua) to 77 (Washington) in alphabetical
// order, matching the pre-1997 FIPS ordering.
const (
	MinCountyNo = 11
	MaxCountyNo = 77
)

var countyNames = map[int]string{
	11: "ALACHUA", 12: "BAKER", 13: "BAY", 14: "BRADFORD", 15: "BREVARD",
	16: "BROWARD", 17: "CALHOUN", 18: "CHARLOTTE", 19: "CITRUS", 20: "CLAY",
	21: "COLLIER", 22: "COLUMBIA", 23: "MIAMI-DADE", 24: "DESOTO", 25: "DIXIE",
	26: "DUVAL", 27: "ESCAMBIA", 28: "FLAGLER", 29: "FRANKLIN", 30: "GADSDEN",
	31: "GILCHRIST", 32: "GLADES", 33: "GULF", 34: "HAMILTON", 35: "HARDEE",
	36: "HENDRY", 37: "HERNANDO", 38: "HIGHLANDS", 39: "HILLSBOROUGH", 40: "HOLMES",
	41: "INDIAN RIVER", 42: "JACKSON", 43: "JEFFERSON", 44: "LAFAYETTE", 45: "LAKE",
	46: "LEE", 47: "LEON", 48: "LEVY", 49: "LIBERTY", 50: "MADISON",
	51: "MANATEE", 52: "MARION", 53: "MARTIN", 54: "MONROE", 55: "NASSAU",
	56: "OKALOOSA", 57: "OKEECHOBEE", 58: "ORANGE", 59: "OSCEOLA", 60: "PALM BEACH",
	61: "PASCO", 62: "PINELLAS", 63: "POLK", 64: "PUTNAM", 65: "ST. JOHNS",
	66: "ST. LUCIE", 67: "SANTA ROSA", 68: "SARASOTA", 69: "SEMINOLE", 70: "SUMTER",
	71: "SUWANNEE", 72: "TAYLOR", 73: "UNION", 74: "VOLUSIA", 75: "WAKULLA",
	76: "WALTON", 77: "WASHINGTON",
}

// CountyName resolves a DOR county code to its name.
func CountyName(coNo int) (string, bool) {
	name, ok := countyNames[coNo]
	return name, ok
}

// CountyFIPS derives the five-digit FIPS code from a DOR county code. Both
// sequences are alphabetical, so FIPS is arithmetic off the DOR index except
// for Miami-Dade, which was re-coded from 12025 to 12086 when the county was
// renamed.
func CountyFIPS(coNo int) (string, bool) {
	if coNo < MinCountyNo || coNo > MaxCountyNo {
		return "", false
	}
	if coNo == 23 {
		return "12086", true
	}
	return fmt.Sprintf("12%03d", 2*(coNo-MinCountyNo)+1), true
}
