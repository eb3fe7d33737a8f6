package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeErrorCodes(t *testing.T) {
	q, ents := Normalize("m8401 database connection error")
	assert.Equal(t, "M8401 database connection error", q)
	assert.Equal(t, []string{"M8401"}, ents.ErrorCodes)

	q, _ = Normalize("fault k-2041b on startup")
	assert.Equal(t, "fault K2041B on startup", q)

	q, _ = Normalize("code M 8401 shown")
	assert.Equal(t, "code M8401 shown", q)
}

func TestNormalizeVersions(t *testing.T) {
	for _, in := range []string{
		"install version 3.6", "install ver. 3.6", "install ver 3.6", "install v3.6", "install V 3.6",
	} {
		q, ents := Normalize(in)
		assert.Equal(t, "install v3.6", q, "input %q", in)
		assert.Equal(t, []string{"v3.6"}, ents.Versions)
	}

	q, ents := Normalize("upgrade from version 2.8.1")
	assert.Equal(t, "upgrade from v2.8.1", q)
	assert.Equal(t, []string{"v2.8.1"}, ents.Versions)
}

func TestNormalizeAliases(t *testing.T) {
	q, ents := Normalize("how to install open lab cds")
	assert.Equal(t, "how to install OpenLab CDS", q)
	assert.Equal(t, []string{"OpenLab CDS"}, ents.Products)

	q, _ = Normalize("chem station method setup")
	assert.Equal(t, "ChemStation method setup", q)
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"m8401 database connection error",
		"how to install open lab cds version 3.6",
		"what is bge m3",
		"  spaced   out   query  ",
	}
	for _, in := range inputs {
		once, _ := Normalize(in)
		twice, _ := Normalize(once)
		assert.Equal(t, once, twice, "input %q", in)
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]Type{
		"how to install OpenLab CDS":     TypeProcedural,
		"what is BGE-M3":                 TypeDefinitional,
		"M8401 database error":           TypeTroubleshooting,
		"where is the license file":      TypeLocational,
		"pump maintenance interval":      TypeGeneral,
		"steps to fix the license error": TypeProcedural, // earliest bucket wins
	}
	for q, want := range cases {
		assert.Equal(t, want, Classify(q), "query %q", q)
	}
}

func TestShouldExpand(t *testing.T) {
	assert.True(t, ShouldExpand("how to install the pump controller"))

	// Quoted substring disables expansion.
	assert.False(t, ShouldExpand(`find "exact phrase" in docs`))
	// Too few significant words.
	assert.False(t, ShouldExpand("install pump"))
	// Too many significant words.
	assert.False(t, ShouldExpand("alpha beta gamma delta epsilon zeta eta theta iota"))
	// Exact-term markers.
	assert.False(t, ShouldExpand("what is the api url for ingest"))
	// Specific-question patterns.
	assert.False(t, ShouldExpand("what is BGE-M3"))
	assert.False(t, ShouldExpand("where is the registry"))
	assert.False(t, ShouldExpand("when did support end"))
}

func TestExpandAppendsWithoutReordering(t *testing.T) {
	p := NewProcessor()

	out, changed := p.Expand("how to fix the install error")
	assert.True(t, changed)
	// Original tokens stay as the prefix.
	assert.Equal(t, "how to fix the install error", out[:len("how to fix the install error")])
	assert.Contains(t, out, "resolve")
	assert.Contains(t, out, "installation")
	assert.Contains(t, out, "fault")

	// Deterministic across calls.
	again, _ := p.Expand("how to fix the install error")
	assert.Equal(t, out, again)

	// No synonyms, no change.
	same, changed := p.Expand("pump turbine manifold")
	assert.False(t, changed)
	assert.Equal(t, "pump turbine manifold", same)
}

func TestExpandSkipsAlreadyPresentSynonyms(t *testing.T) {
	p := NewProcessor()
	out, _ := p.Expand("fix the installation install problem")
	// "installation" is already in the query and must not be appended
	// a second time.
	assert.Equal(t, 1, countOccurrences(out, "installation"))
}

func countOccurrences(s, sub string) int {
	n := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			n++
		}
	}
	return n
}

func TestProcess(t *testing.T) {
	p := NewProcessor()

	qc, err := p.Process("how to install open lab cds version 3.6", Filters{})
	require.NoError(t, err)
	assert.Equal(t, "how to install OpenLab CDS v3.6", qc.Normalized)
	assert.Equal(t, TypeProcedural, qc.Type)
	assert.Equal(t, "v3.6", qc.Filters.Version)
	assert.Equal(t, []string{"OpenLab CDS"}, qc.Entities.Products)

	// Caller filters win over extracted ones.
	qc, err = p.Process("install v3.6 now please", Filters{Version: "v2.8"})
	require.NoError(t, err)
	assert.Equal(t, "v2.8", qc.Filters.Version)

	_, err = p.Process("   ", Filters{})
	require.Error(t, err)
}

func TestProcessExpansionFlag(t *testing.T) {
	p := NewProcessor()

	qc, err := p.Process("what is BGE-M3", Filters{})
	require.NoError(t, err)
	assert.False(t, qc.DidExpand)
	assert.Equal(t, qc.Normalized, qc.Expanded)

	qc, err = p.Process("how to fix pump error", Filters{})
	require.NoError(t, err)
	assert.True(t, qc.DidExpand)
	assert.NotEqual(t, qc.Normalized, qc.Expanded)
}
