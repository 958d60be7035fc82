package compliance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/ppe-guard/compliance-server/pkg/types"
)

func det(class string) types.RawDetection {
	return types.RawDetection{Class: class, Confidence: 0.9, BBox: types.BBox{0, 0, 10, 10}}
}

func TestMapLabel(t *testing.T) {
	cases := map[string]Category{
		"helmet":         Helmet,
		"Hardhat":        Helmet,
		"  CASCO ":       Helmet,
		"cascos":         Helmet,
		"safety_glasses": Glasses,
		"lentes":         Glasses,
		"guantes":        Gloves,
		"safety_boots":   Boots,
		"chalecos":       Vest,
		"Safety Vest":    Vest,
		"camisa_jean":    Shirt,
		"jeans":          Pants,
		"barbijo":        Mask,
	}
	for raw, want := range cases {
		got, ok := MapLabel(raw)
		require.True(t, ok, "label %q should map", raw)
		assert.Equal(t, want, got, "label %q", raw)
	}

	for _, raw := range []string{"", "person", "NO-Hardhat", "helmets", "hat"} {
		_, ok := MapLabel(raw)
		assert.False(t, ok, "label %q should not map", raw)
	}
}

func TestMapLabelIsDeterministic(t *testing.T) {
	for _, c := range Categories {
		for _, s := range Synonyms(c) {
			first, ok1 := MapLabel(s)
			second, ok2 := MapLabel(s)
			require.True(t, ok1)
			require.True(t, ok2)
			assert.Equal(t, first, second)
			assert.Equal(t, c, first)
		}
	}
}

func TestSynonymTableIsDisjoint(t *testing.T) {
	_, err := buildIndex(synonyms)
	require.NoError(t, err)
}

func TestBuildIndexRejectsOverlap(t *testing.T) {
	bad := map[Category][]string{
		Helmet: {"helmet", "cap"},
		Mask:   {"mask", "CAP"},
	}
	_, err := buildIndex(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"cap"`)

	assert.Panics(t, func() { mustBuildIndex(bad) })
}

func TestBuildIndexRejectsUnknownCategory(t *testing.T) {
	_, err := buildIndex(map[Category][]string{"hat": {"hat"}})
	require.Error(t, err)
}

func TestValidateMixedFrame(t *testing.T) {
	dets := []types.RawDetection{det("helmet"), det("casco"), det("vest"), det("person")}

	res := Validate(2, dets)

	assert.Equal(t, 2, res.PersonsCount)
	assert.Equal(t, 2, res.Detected[Helmet])
	assert.Equal(t, 1, res.Detected[Vest])
	assert.Equal(t, []Category{Glasses, Gloves, Boots, Vest, Shirt, Pants}, res.Missing)
	assert.False(t, res.Compliant)
	assert.Equal(t, StatusNonCompliant, res.Status())
	assert.NotContains(t, res.Missing, Mask)
	assert.InDelta(t, 100.0/7.0, CompletionRate(res), 1e-9)
}

func TestValidateZeroPersonsZeroItems(t *testing.T) {
	res := Validate(0, nil)
	assert.True(t, res.Compliant)
	assert.Empty(t, res.Missing)
	assert.Equal(t, StatusCompliant, res.Status())
	assert.InDelta(t, 100.0, CompletionRate(res), 1e-9)
}

func TestValidateFullKit(t *testing.T) {
	var dets []types.RawDetection
	for _, c := range Enforced {
		dets = append(dets, det(string(c)))
	}
	res := Validate(1, dets)
	assert.True(t, res.Compliant)
	assert.Empty(t, res.Missing)

	// mask never blocks compliance
	check := res.Checks[Mask]
	assert.False(t, check.Enforced)
	assert.False(t, check.Compliant)
}

func TestValidateBoundaryExactCount(t *testing.T) {
	var dets []types.RawDetection
	for _, c := range Enforced {
		dets = append(dets, det(string(c)), det(string(c)), det(string(c)))
	}
	assert.True(t, Validate(3, dets).Compliant)
	res := Validate(4, dets)
	assert.False(t, res.Compliant)
	assert.Equal(t, Enforced, res.Missing)
}

func TestValidateIdempotent(t *testing.T) {
	dets := []types.RawDetection{det("helmet"), det("gloves"), det("unknown")}
	a := Validate(1, dets)
	b := Validate(1, dets)
	assert.Equal(t, a, b)
}

func TestCompliantIffMissingEmpty(t *testing.T) {
	labels := []string{"helmet", "glasses", "gloves", "boots", "vest", "shirt", "pants", "mask", "noise"}
	for persons := 0; persons <= 3; persons++ {
		for mask := 0; mask < 1<<len(labels); mask += 7 {
			var dets []types.RawDetection
			for i, l := range labels {
				if mask&(1<<i) != 0 {
					dets = append(dets, det(l))
				}
			}
			res := Validate(persons, dets)
			require.Equal(t, len(res.Missing) == 0, res.Compliant, "persons=%d mask=%b", persons, mask)
			for _, c := range res.Missing {
				require.True(t, IsEnforced(c))
				require.Less(t, res.Detected[c], persons)
			}
		}
	}
}
