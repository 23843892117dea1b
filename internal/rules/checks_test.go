package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atrium-data/rationalize/internal/model"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }
func str(v string) *string   { return &v }

func day(s string) *time.Time {
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func calcLine(id int64, unitPrice, quantity, total *float64) model.LineItem {
	return model.LineItem{ID: id, UnitPrice: unitPrice, Quantity: quantity, LineTotal: total}
}

func snapOf(docs ...model.Document) *Snapshot {
	return &Snapshot{Scope: docs}
}

func TestCalcCoherence_ToleranceBoundary(t *testing.T) {
	// 10 * 5 = 50 against a total of 50.4: gap is about 0.79%.
	doc := model.Document{ID: 1, Lines: []model.LineItem{calcLine(1, f64(10), f64(5), f64(50.4))}}

	assert.Empty(t, checkCalcCoherence(snapOf(doc), Rule{ID: "CALC_001", Tolerance: 0.01}))
	assert.Len(t, checkCalcCoherence(snapOf(doc), Rule{ID: "CALC_001", Tolerance: 0.005}), 1)

	// Total of 52.0: gap is about 3.85%.
	doc = model.Document{ID: 1, Lines: []model.LineItem{calcLine(1, f64(10), f64(5), f64(52.0))}}

	assert.Len(t, checkCalcCoherence(snapOf(doc), Rule{ID: "CALC_001", Tolerance: 0.01}), 1)
	assert.Empty(t, checkCalcCoherence(snapOf(doc), Rule{ID: "CALC_001", Tolerance: 0.05}))
}

func TestCalcCoherence_AnomalyDetail(t *testing.T) {
	doc := model.Document{ID: 3, Lines: []model.LineItem{calcLine(7, f64(10), f64(5), f64(100))}}
	out := checkCalcCoherence(snapOf(doc), Rule{ID: "CALC_001", Type: TypeCalcCoherence, Severity: model.SeverityWarning, Tolerance: 0.01})

	require.Len(t, out, 1)
	a := out[0]
	assert.Equal(t, int64(3), a.DocumentID)
	require.NotNil(t, a.LineID)
	assert.Equal(t, int64(7), *a.LineID)
	assert.Equal(t, "50.00", a.Expected)
	assert.Equal(t, "100.00", a.Found)
	assert.Equal(t, model.SeverityWarning, a.Severity)
}

func TestCalcCoherence_VacuousOnMissingValues(t *testing.T) {
	doc := model.Document{ID: 1, Lines: []model.LineItem{
		calcLine(1, nil, f64(5), f64(50)),
		calcLine(2, f64(10), nil, f64(50)),
		calcLine(3, f64(10), f64(5), nil),
		calcLine(4, f64(10), f64(5), f64(0)),
	}}
	assert.Empty(t, checkCalcCoherence(snapOf(doc), Rule{ID: "CALC_001", Tolerance: 0.01}))
}

func TestCalcCoherence_SkipsDeletedLines(t *testing.T) {
	line := calcLine(1, f64(10), f64(5), f64(100))
	line.Deleted = true
	doc := model.Document{ID: 1, Lines: []model.LineItem{line}}
	assert.Empty(t, checkCalcCoherence(snapOf(doc), Rule{ID: "CALC_001", Tolerance: 0.01}))
}

func TestDateOrder(t *testing.T) {
	bad := model.Document{ID: 1, Lines: []model.LineItem{
		{ID: 1, DepartureDate: day("2024-06-10"), ArrivalDate: day("2024-06-05")},
	}}
	out := checkDateOrder(snapOf(bad), Rule{ID: "DATE_001", Type: TypeDateOrder, Severity: model.SeverityCritical})
	require.Len(t, out, 1)
	assert.Equal(t, ">= 2024-06-10", out[0].Expected)
	assert.Equal(t, "2024-06-05", out[0].Found)

	sameDay := model.Document{ID: 1, Lines: []model.LineItem{
		{ID: 1, DepartureDate: day("2024-03-15"), ArrivalDate: day("2024-03-15")},
	}}
	assert.Empty(t, checkDateOrder(snapOf(sameDay), Rule{ID: "DATE_001"}))
}

func TestDateOrder_VacuousOnMissingDates(t *testing.T) {
	doc := model.Document{ID: 1, Lines: []model.LineItem{
		{ID: 1, DepartureDate: day("2024-01-01")},
		{ID: 2, ArrivalDate: day("2024-01-05")},
		{ID: 3},
	}}
	assert.Empty(t, checkDateOrder(snapOf(doc), Rule{ID: "DATE_001"}))
}

func TestLowConfidence(t *testing.T) {
	rule := Rule{ID: "CONF_001", Type: TypeLowConfidence, ConfidenceThreshold: 0.6}

	low := model.Document{ID: 1, GlobalConfidence: f64(0.45)}
	out := checkLowConfidence(snapOf(low), rule)
	require.Len(t, out, 1)
	assert.Equal(t, "0.45", out[0].Found)

	// At the threshold is not below it.
	atThreshold := model.Document{ID: 2, GlobalConfidence: f64(0.6)}
	assert.Empty(t, checkLowConfidence(snapOf(atThreshold), rule))

	unknown := model.Document{ID: 3}
	assert.Empty(t, checkLowConfidence(snapOf(unknown), rule))
}

func TestDuplicateDocuments_WithinWindow(t *testing.T) {
	a := model.Document{ID: 1, Filename: "a.pdf", SupplierID: i64(9), TotalInclTax: f64(1500), DocumentDate: day("2024-05-01")}
	b := model.Document{ID: 2, Filename: "b.pdf", SupplierID: i64(9), TotalInclTax: f64(1500), DocumentDate: day("2024-05-04")}

	out := checkDuplicateDocuments(snapOf(a, b), Rule{ID: "DUP_001", Type: TypeDuplicateDoc, WindowDays: 7})
	require.Len(t, out, 2)
	assert.Equal(t, "b.pdf", out[0].Found)
	assert.Equal(t, "a.pdf", out[1].Found)
}

func TestDuplicateDocuments_OutsideWindowOrDifferentKey(t *testing.T) {
	a := model.Document{ID: 1, Filename: "a.pdf", SupplierID: i64(9), TotalInclTax: f64(1500), DocumentDate: day("2024-05-01")}
	farApart := model.Document{ID: 2, Filename: "b.pdf", SupplierID: i64(9), TotalInclTax: f64(1500), DocumentDate: day("2024-05-20")}
	otherSupplier := model.Document{ID: 3, Filename: "c.pdf", SupplierID: i64(4), TotalInclTax: f64(1500), DocumentDate: day("2024-05-02")}
	otherTotal := model.Document{ID: 4, Filename: "d.pdf", SupplierID: i64(9), TotalInclTax: f64(900), DocumentDate: day("2024-05-02")}
	noDate := model.Document{ID: 5, Filename: "e.pdf", SupplierID: i64(9), TotalInclTax: f64(1500)}

	out := checkDuplicateDocuments(snapOf(a, farApart, otherSupplier, otherTotal, noDate), Rule{ID: "DUP_001", WindowDays: 7})
	assert.Empty(t, out)
}

func TestDuplicateDocuments_ScopedDocStillSeesPopulation(t *testing.T) {
	a := model.Document{ID: 1, Filename: "a.pdf", SupplierID: i64(9), TotalInclTax: f64(1500), DocumentDate: day("2024-05-01")}
	b := model.Document{ID: 2, Filename: "b.pdf", SupplierID: i64(9), TotalInclTax: f64(1500), DocumentDate: day("2024-05-04")}

	snap := &Snapshot{Scope: []model.Document{a}, All: []model.Document{a, b}}
	out := checkDuplicateDocuments(snap, Rule{ID: "DUP_001", WindowDays: 7})
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), out[0].DocumentID)
}

func priceLine(id int64, material string, price float64) model.LineItem {
	return model.LineItem{ID: id, Material: str(material), UnitPrice: f64(price)}
}

func TestPriceDrift_FlagsOutlier(t *testing.T) {
	doc := model.Document{ID: 1, Lines: []model.LineItem{
		priceLine(1, "Sable", 10),
		priceLine(2, "Sable", 11),
		priceLine(3, "Sable", 9),
		priceLine(4, "Sable", 25),
	}}
	out := checkPriceDrift(snapOf(doc), Rule{ID: "PRIX_001", Type: TypePriceDrift, DriftMultiplier: 2.0, MinSamples: 3})

	require.Len(t, out, 1)
	require.NotNil(t, out[0].LineID)
	assert.Equal(t, int64(4), *out[0].LineID)
	assert.Equal(t, "25.00", out[0].Found)
}

func TestPriceDrift_TooFewSamplesPassesVacuously(t *testing.T) {
	doc := model.Document{ID: 1, Lines: []model.LineItem{
		priceLine(1, "Sable", 10),
		priceLine(2, "Sable", 50),
	}}
	out := checkPriceDrift(snapOf(doc), Rule{ID: "PRIX_001", DriftMultiplier: 2.0, MinSamples: 3})
	assert.Empty(t, out)
}

func TestPriceDrift_ResolvedMaterialSharesHistory(t *testing.T) {
	doc := model.Document{ID: 1, Lines: []model.LineItem{
		priceLine(1, "Sable", 10),
		priceLine(2, "sble", 11),
		priceLine(3, "sble", 9),
		priceLine(4, "Sable", 30),
	}}
	snap := snapOf(doc)
	snap.MaterialExact = map[string]string{"sble": "Sable"}

	out := checkPriceDrift(snap, Rule{ID: "PRIX_001", DriftMultiplier: 2.0, MinSamples: 3})
	require.Len(t, out, 1)
	assert.Equal(t, int64(4), *out[0].LineID)
}
