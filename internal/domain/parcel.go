package domain

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Parcel is the typed production record for one Florida parcel, keyed by the
// DOR parcel id. Column names follow the state property roll layout so bulk
// files and ArcGIS attributes map onto it without renaming.
type Parcel struct {
	ID         uuid.UUID `json:"id"`
	ParcelID   string    `json:"parcel_id"`
	CoNo       int       `json:"co_no"`
	CountyFIPS string    `json:"county_fips"`
	CountyName string    `json:"county_name"`

	// Use codes and owner/situs address lines. Codes stay text to preserve
	// leading zeros.
	DorUC    *string `json:"dor_uc,omitempty"`
	PaUC     *string `json:"pa_uc,omitempty"`
	OwnName  *string `json:"own_name,omitempty"`
	OwnAddr1 *string `json:"own_addr1,omitempty"`
	OwnCity  *string `json:"own_city,omitempty"`
	OwnState *string `json:"own_state,omitempty"`
	OwnZipcd *string `json:"own_zipcd,omitempty"`
	PhyAddr1 *string `json:"phy_addr1,omitempty"`
	PhyAddr2 *string `json:"phy_addr2,omitempty"`
	PhyCity  *string `json:"phy_city,omitempty"`
	PhyZipcd *string `json:"phy_zipcd,omitempty"`

	// Valuations in dollars.
	JV          *float64 `json:"jv,omitempty"`
	AvSD        *float64 `json:"av_sd,omitempty"`
	AvNSD       *float64 `json:"av_nsd,omitempty"`
	TvSD        *float64 `json:"tv_sd,omitempty"`
	TvNSD       *float64 `json:"tv_nsd,omitempty"`
	LndVal      *float64 `json:"lnd_val,omitempty"`
	SpecFeatVal *float64 `json:"spec_feat_val,omitempty"`
	SalePrc1    *float64 `json:"sale_prc1,omitempty"`

	// Years, month, and structure counts.
	AsmntYr  *int `json:"asmnt_yr,omitempty"`
	SaleYr1  *int `json:"sale_yr1,omitempty"`
	SaleMo1  *int `json:"sale_mo1,omitempty"`
	ActYrBlt *int `json:"act_yr_blt,omitempty"`
	EffYrBlt *int `json:"eff_yr_blt,omitempty"`
	NoBuldng *int `json:"no_buldng,omitempty"`
	NoResUnt *int `json:"no_res_unt,omitempty"`

	// Areas in square feet.
	TotLvgAr  *float64 `json:"tot_lvg_ar,omitempty"`
	LndSqfoot *float64 `json:"lnd_sqfoot,omitempty"`

	// Township/range/section and first sale OR book/page references.
	Twn     *string `json:"twn,omitempty"`
	Rng     *string `json:"rng,omitempty"`
	Sec     *string `json:"sec,omitempty"`
	OrBook1 *string `json:"or_book1,omitempty"`
	OrPage1 *string `json:"or_page1,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BusinessFields returns the parcel's business columns as a column->value map.
// Nil pointers become untyped nil so the map is directly comparable and
// serializable as a history snapshot. Lifecycle columns (id, version,
// created_at, updated_at) are intentionally absent.
func (p Parcel) BusinessFields() map[string]any {
	return map[string]any{
		"parcel_id":     p.ParcelID,
		"co_no":         p.CoNo,
		"county_fips":   p.CountyFIPS,
		"county_name":   p.CountyName,
		"dor_uc":        strField(p.DorUC),
		"pa_uc":         strField(p.PaUC),
		"own_name":      strField(p.OwnName),
		"own_addr1":     strField(p.OwnAddr1),
		"own_city":      strField(p.OwnCity),
		"own_state":     strField(p.OwnState),
		"own_zipcd":     strField(p.OwnZipcd),
		"phy_addr1":     strField(p.PhyAddr1),
		"phy_addr2":     strField(p.PhyAddr2),
		"phy_city":      strField(p.PhyCity),
		"phy_zipcd":     strField(p.PhyZipcd),
		"jv":            floatField(p.JV),
		"av_sd":         floatField(p.AvSD),
		"av_nsd":        floatField(p.AvNSD),
		"tv_sd":         floatField(p.TvSD),
		"tv_nsd":        floatField(p.TvNSD),
		"lnd_val":       floatField(p.LndVal),
		"spec_feat_val": floatField(p.SpecFeatVal),
		"sale_prc1":     floatField(p.SalePrc1),
		"asmnt_yr":      intField(p.AsmntYr),
		"sale_yr1":      intField(p.SaleYr1),
		"sale_mo1":      intField(p.SaleMo1),
		"act_yr_blt":    intField(p.ActYrBlt),
		"eff_yr_blt":    intField(p.EffYrBlt),
		"no_buldng":     intField(p.NoBuldng),
		"no_res_unt":    intField(p.NoResUnt),
		"tot_lvg_ar":    floatField(p.TotLvgAr),
		"lnd_sqfoot":    floatField(p.LndSqfoot),
		"twn":           strField(p.Twn),
		"rng":           strField(p.Rng),
		"sec":           strField(p.Sec),
		"or_book1":      strField(p.OrBook1),
		"or_page1":      strField(p.OrPage1),
	}
}

// EqualBusiness reports whether two parcels carry identical business content.
// Lifecycle columns are ignored, so a re-ingested unchanged record compares
// equal and the write path can skip the version bump.
func EqualBusiness(a, b Parcel) bool {
	return reflect.DeepEqual(a.BusinessFields(), b.BusinessFields())
}

func strField(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func floatField(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func intField(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
