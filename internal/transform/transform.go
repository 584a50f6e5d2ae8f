// Package transform turns loosely typed staging rows and fetched attribute
// maps into validated Parcel candidates. Rows fail independently: a rejected
// row never stops its neighbors.
package transform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rpattn/parcelsync/internal/domain"
)

// RowError describes why one field of one row was rejected.
type RowError struct {
	Line   int
	Field  string
	Value  string
	Reason string
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d field %s: %s (value %q)", e.Line, e.Field, e.Reason, e.Value)
}

// ParcelFromFields builds a parcel candidate from one row of the property
// roll layout. Field keys are matched case-insensitively against the DOR
// column names. All problems for the row are collected; any problem rejects
// the whole row.
func ParcelFromFields(lineNo int, fields map[string]string) (domain.Parcel, []RowError) {
	row := newRowReader(lineNo, fields)

	parcelID := row.code("PARCEL_ID")
	if parcelID == nil {
		row.reject("PARCEL_ID", "", "required field is missing")
	}

	coNo := row.requiredInt("CO_NO")
	var countyFIPS, countyName string
	if coNo != nil {
		fips, ok := CountyFIPS(*coNo)
		if !ok {
			row.reject("CO_NO", strconv.Itoa(*coNo), "not a valid DOR county code")
		} else {
			countyFIPS = fips
			countyName, _ = CountyName(*coNo)
		}
	}

	parcel := domain.Parcel{
		DorUC:    row.code("DOR_UC"),
		PaUC:     row.code("PA_UC"),
		OwnName:  row.text("OWN_NAME"),
		OwnAddr1: row.text("OWN_ADDR1"),
		OwnCity:  row.text("OWN_CITY"),
		OwnState: row.text("OWN_STATE"),
		OwnZipcd: row.code("OWN_ZIPCD"),
		PhyAddr1: row.text("PHY_ADDR1"),
		PhyAddr2: row.text("PHY_ADDR2"),
		PhyCity:  row.text("PHY_CITY"),
		PhyZipcd: row.code("PHY_ZIPCD"),

		JV:          row.numeric("JV"),
		AvSD:        row.numeric("AV_SD"),
		AvNSD:       row.numeric("AV_NSD"),
		TvSD:        row.numeric("TV_SD"),
		TvNSD:       row.numeric("TV_NSD"),
		LndVal:      row.numeric("LND_VAL"),
		SpecFeatVal: row.numeric("SPEC_FEAT_VAL"),
		SalePrc1:    row.numeric("SALE_PRC1"),

		AsmntYr:  row.year("ASMNT_YR"),
		SaleYr1:  row.year("SALE_YR1"),
		SaleMo1:  row.month("SALE_MO1"),
		ActYrBlt: row.year("ACT_YR_BLT"),
		EffYrBlt: row.year("EFF_YR_BLT"),
		NoBuldng: row.integer("NO_BULDNG"),
		NoResUnt: row.integer("NO_RES_UNT"),

		TotLvgAr:  row.numeric("TOT_LVG_AR"),
		LndSqfoot: row.numeric("LND_SQFOOT"),

		Twn:     row.code("TWN"),
		Rng:     row.code("RNG"),
		Sec:     row.code("SEC"),
		OrBook1: row.code("OR_BOOK1"),
		OrPage1: row.code("OR_PAGE1"),
	}

	if len(row.errs) > 0 {
		return domain.Parcel{}, row.errs
	}

	parcel.ParcelID = *parcelID
	parcel.CoNo = *coNo
	parcel.CountyFIPS = countyFIPS
	parcel.CountyName = countyName
	return parcel, nil
}

// SourceRecordID extracts the natural key from a fetched attribute map.
func SourceRecordID(attrs map[string]any) (string, error) {
	fields := FieldsFromAttributes(attrs)
	reader := newRowReader(0, fields)
	id := reader.code("PARCEL_ID")
	if id == nil {
		return "", fmt.Errorf("record has no PARCEL_ID attribute")
	}
	return *id, nil
}

// FieldsFromAttributes renders an attribute map into the string cell form the
// transform consumes, so fetched records and staged file rows share one
// validation path. Whole floats render without a fractional part, matching
// how the rolls print counts and ids.
func FieldsFromAttributes(attrs map[string]any) map[string]string {
	fields := make(map[string]string, len(attrs))
	for key, value := range attrs {
		fields[key] = attributeString(value)
	}
	return fields
}

func attributeString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// rowReader accumulates field lookups and problems for one row.
type rowReader struct {
	line   int
	fields map[string]string
	errs   []RowError
}

func newRowReader(line int, fields map[string]string) *rowReader {
	normalized := make(map[string]string, len(fields))
	for key, value := range fields {
		normalized[strings.ToUpper(strings.TrimSpace(key))] = value
	}
	return &rowReader{line: line, fields: normalized}
}

func (r *rowReader) raw(field string) string {
	return r.fields[field]
}

func (r *rowReader) reject(field, value, reason string) {
	r.errs = append(r.errs, RowError{Line: r.line, Field: field, Value: value, Reason: reason})
}

func (r *rowReader) text(field string) *string {
	return CleanText(r.raw(field))
}

func (r *rowReader) code(field string) *string {
	return CleanCode(r.raw(field))
}

func (r *rowReader) numeric(field string) *float64 {
	value, err := CleanNumeric(r.raw(field))
	if err != nil {
		r.reject(field, r.raw(field), err.Error())
		return nil
	}
	return value
}

func (r *rowReader) integer(field string) *int {
	value, err := CleanInt(r.raw(field))
	if err != nil {
		r.reject(field, r.raw(field), err.Error())
		return nil
	}
	return value
}

func (r *rowReader) year(field string) *int {
	value, err := CleanYear(r.raw(field))
	if err != nil {
		r.reject(field, r.raw(field), err.Error())
		return nil
	}
	return value
}

func (r *rowReader) month(field string) *int {
	value, err := CleanMonth(r.raw(field))
	if err != nil {
		r.reject(field, r.raw(field), err.Error())
		return nil
	}
	return value
}

func (r *rowReader) requiredInt(field string) *int {
	raw := r.raw(field)
	value, err := CleanInt(raw)
	if err != nil {
		r.reject(field, raw, err.Error())
		return nil
	}
	if value == nil {
		r.reject(field, raw, "required field is missing")
		return nil
	}
	return value
}
