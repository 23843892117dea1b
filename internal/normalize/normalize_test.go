package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSupplier_StripFrenchSuffixes(t *testing.T) {
	assert.Equal(t, "ACME", Supplier("Acme SA"))
	assert.Equal(t, "DUPONT", Supplier("Dupont SARL"))
	assert.Equal(t, "STARTUP", Supplier("Startup SASU"))
	assert.Equal(t, "SOLO", Supplier("Solo EURL"))
}

func TestSupplier_StripForeignSuffixes(t *testing.T) {
	assert.Equal(t, "MÜLLER", Supplier("Müller GmbH"))
	assert.Equal(t, "BRITISH", Supplier("British Ltd"))
	assert.Equal(t, "AMERICAN", Supplier("American LLC"))
	assert.Equal(t, "TECH", Supplier("Tech Inc"))
}

func TestSupplier_TrailingPeriod(t *testing.T) {
	assert.Equal(t, "TRANSPORT", Supplier("Transport SAS."))
}

func TestSupplier_WordBoundary(t *testing.T) {
	// "Corporation" contains no standalone suffix token and must survive.
	assert.Equal(t, "ACME CORPORATION", Supplier("Acme Corporation"))
	// "SALINES" starts with SA but is a single word.
	assert.Equal(t, "SALINES DU MIDI", Supplier("Salines du Midi"))
}

func TestSupplier_MultipleSuffixes(t *testing.T) {
	assert.Equal(t, "ACME", Supplier("Acme SA SARL"))
}

func TestSupplier_CollapseWhitespace(t *testing.T) {
	assert.Equal(t, "ACME CORP", Supplier("  Acme   Corp   SA  "))
}

func TestSupplier_Uppercase(t *testing.T) {
	assert.Equal(t, "ACME CORP", Supplier("acme corp"))
}

func TestSupplier_Idempotent(t *testing.T) {
	for _, s := range []string{
		"Acme SA", "Dupont SARL", "acme corp", "  Acme   Corp   SA  ",
		"Müller GmbH", "", "SA",
	} {
		once := Supplier(s)
		assert.Equal(t, once, Supplier(once), s)
	}
}

func TestMaterial_StripLeadingQuantity(t *testing.T) {
	assert.Equal(t, "GRAVIER", Material("50kg Gravier"))
	assert.Equal(t, "SABLE", Material("2.5t Sable"))
	assert.Equal(t, "BITUME", Material("10l Bitume"))
	assert.Equal(t, "TUBE PVC", Material("25m Tube PVC"))
}

func TestMaterial_StripAfterDash(t *testing.T) {
	assert.Equal(t, "GRAVIER 0/20", Material("Gravier 0/20 - Livraison Paris"))
}

func TestMaterial_QuantityAndDash(t *testing.T) {
	assert.Equal(t, "BETON", Material("100 kg Beton - Transport inclus"))
}

func TestMaterial_NoTransform(t *testing.T) {
	assert.Equal(t, "GRAVIER FIN", Material("Gravier fin"))
	assert.Equal(t, "BETON ARME", Material("Beton arme"))
}

func TestMaterial_CollapseAndUppercase(t *testing.T) {
	assert.Equal(t, "GRAVIER 0/20", Material("  Gravier   0/20  "))
	assert.Equal(t, "SABLE BLANC", Material("sable blanc"))
}

func TestMaterial_Idempotent(t *testing.T) {
	for _, s := range []string{
		"50kg Gravier", "Gravier 0/20 - Livraison Paris",
		"100 kg Beton - Transport inclus", "sable blanc", "",
	} {
		once := Material(s)
		assert.Equal(t, once, Material(once), s)
	}
}
