package domain

import "sort"

// MergeRule declares how one destination column behaves when an incoming
// record collides with a stored parcel.
type MergeRule string

const (
	// MergeSourceWins replaces the stored value with the incoming value,
	// including incoming NULLs (the upstream roll is authoritative).
	MergeSourceWins MergeRule = "source_wins"
	// MergeImmutableAfterCreate keeps the value captured at first write.
	// Conflicting input is ignored rather than rejected.
	MergeImmutableAfterCreate MergeRule = "immutable_after_create"
)

// MergePolicy is the single reviewable statement of per-column merge
// behavior for florida_parcels. Every business column must appear here;
// the policy coverage test fails the build of any column added to the
// parcel without a declared rule.
type MergePolicy struct {
	rules map[string]MergeRule
}

// ParcelMergePolicy governs all writes to florida_parcels. A parcel never
// moves between counties (the DOR issues a new parcel id instead), so the
// identity and county columns are frozen at first write; everything else
// follows the source.
var ParcelMergePolicy = MergePolicy{rules: map[string]MergeRule{
	"parcel_id":     MergeImmutableAfterCreate,
	"co_no":         MergeImmutableAfterCreate,
	"county_fips":   MergeImmutableAfterCreate,
	"county_name":   MergeImmutableAfterCreate,
	"dor_uc":        MergeSourceWins,
	"pa_uc":         MergeSourceWins,
	"own_name":      MergeSourceWins,
	"own_addr1":     MergeSourceWins,
	"own_city":      MergeSourceWins,
	"own_state":     MergeSourceWins,
	"own_zipcd":     MergeSourceWins,
	"phy_addr1":     MergeSourceWins,
	"phy_addr2":     MergeSourceWins,
	"phy_city":      MergeSourceWins,
	"phy_zipcd":     MergeSourceWins,
	"jv":            MergeSourceWins,
	"av_sd":         MergeSourceWins,
	"av_nsd":        MergeSourceWins,
	"tv_sd":         MergeSourceWins,
	"tv_nsd":        MergeSourceWins,
	"lnd_val":       MergeSourceWins,
	"spec_feat_val": MergeSourceWins,
	"sale_prc1":     MergeSourceWins,
	"asmnt_yr":      MergeSourceWins,
	"sale_yr1":      MergeSourceWins,
	"sale_mo1":      MergeSourceWins,
	"act_yr_blt":    MergeSourceWins,
	"eff_yr_blt":    MergeSourceWins,
	"no_buldng":     MergeSourceWins,
	"no_res_unt":    MergeSourceWins,
	"tot_lvg_ar":    MergeSourceWins,
	"lnd_sqfoot":    MergeSourceWins,
	"twn":           MergeSourceWins,
	"rng":           MergeSourceWins,
	"sec":           MergeSourceWins,
	"or_book1":      MergeSourceWins,
	"or_page1":      MergeSourceWins,
}}

// Rule returns the declared rule for a column.
func (p MergePolicy) Rule(column string) (MergeRule, bool) {
	rule, ok := p.rules[column]
	return rule, ok
}

// Columns lists every column the policy covers, sorted for stable output.
func (p MergePolicy) Columns() []string {
	columns := make([]string, 0, len(p.rules))
	for column := range p.rules {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}

// Apply merges an incoming candidate onto the stored parcel according to the
// declared rules and returns the merged state. Lifecycle columns always come
// from the stored row; the write path owns version and timestamp bumps.
func (p MergePolicy) Apply(current, incoming Parcel) Parcel {
	merged := incoming

	// Immutable-after-create columns keep their stored values.
	merged.ParcelID = current.ParcelID
	merged.CoNo = current.CoNo
	merged.CountyFIPS = current.CountyFIPS
	merged.CountyName = current.CountyName

	merged.ID = current.ID
	merged.Version = current.Version
	merged.CreatedAt = current.CreatedAt
	merged.UpdatedAt = current.UpdatedAt

	return merged
}
