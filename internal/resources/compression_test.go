package resources

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestCoalesceRunsWithinGap(t *testing.T) {
	values := []json.RawMessage{raw("1"), nil, nil, raw("2"), nil, nil, nil, nil, raw("3")}
	runs := coalesceRuns(values)
	// positions 0 and 3 are 3 apart (within maxRunGap), so they coalesce;
	// position 8 is 5 away from 3, so it starts a new run.
	require.Len(t, runs, 2)
	assert.Equal(t, 0, runs[0].Offset)
	assert.Equal(t, 8, runs[1].Offset)

	var first []json.RawMessage
	require.NoError(t, json.Unmarshal(runs[0].Values, &first))
	assert.Len(t, first, 4) // [1, null, null, 2]
}

func TestCoalesceRunsAllDefined(t *testing.T) {
	values := []json.RawMessage{raw("1"), raw("2"), raw("3")}
	runs := coalesceRuns(values)
	require.Len(t, runs, 1)
	assert.Equal(t, 0, runs[0].Offset)
}

func TestUseDictionaryTrueForLowCardinality(t *testing.T) {
	values := make([]json.RawMessage, 100)
	for i := range values {
		if i%2 == 0 {
			values[i] = raw(`"red"`)
		} else {
			values[i] = raw(`"blue"`)
		}
	}
	assert.True(t, useDictionary(values))
}

func TestUseDictionaryFalseForHighCardinality(t *testing.T) {
	values := make([]json.RawMessage, 10)
	for i := range values {
		values[i] = json.RawMessage(`"unique-` + string(rune('a'+i)) + `"`)
	}
	assert.False(t, useDictionary(values))
}

func TestBuildDictionaryOrdersByTypeThenValue(t *testing.T) {
	values := []json.RawMessage{raw(`"b"`), raw("2"), raw(`"a"`), raw("1"), raw("true")}
	dict, indices := buildDictionary(values)
	require.Len(t, dict, 5)
	// bools sort before numbers before strings, by type-name lexical order
	// ("bool" < "number" < "string").
	assert.Equal(t, json.RawMessage("true"), dict[0])
	assert.Equal(t, json.RawMessage("1"), dict[1])
	assert.Equal(t, json.RawMessage("2"), dict[2])
	assert.Equal(t, json.RawMessage(`"a"`), dict[3])
	assert.Equal(t, json.RawMessage(`"b"`), dict[4])
	assert.Len(t, indices, 5)
}

func TestNaturalLessNumbersByMagnitude(t *testing.T) {
	assert.True(t, naturalLess("2", "10"))
	assert.False(t, naturalLess("10", "2"))
}

func TestCompressDecompressColumnRoundTripWithDictionary(t *testing.T) {
	values := make([]json.RawMessage, 20)
	for i := range values {
		switch {
		case i == 5 || i == 15:
			values[i] = nil
		case i%2 == 0:
			values[i] = raw(`"red"`)
		default:
			values[i] = raw(`"blue"`)
		}
	}
	require.True(t, useDictionary(values), "test fixture must exercise the dictionary path")

	runs, dictionary := CompressColumn(values)
	require.NotNil(t, dictionary)

	decoded, err := DecompressColumn(runs, dictionary, len(values))
	require.NoError(t, err)
	for i, want := range values {
		if want == nil {
			assert.Nil(t, decoded[i], "position %d", i)
			continue
		}
		assert.Equal(t, want, decoded[i], "position %d", i)
	}
}

func TestCompressDecompressColumnRoundTripWithoutDictionary(t *testing.T) {
	values := []json.RawMessage{raw("1"), nil, raw("3"), raw("4")}
	require.False(t, useDictionary(values), "test fixture must exercise the no-dictionary path")

	runs, dictionary := CompressColumn(values)
	assert.Nil(t, dictionary)

	decoded, err := DecompressColumn(runs, dictionary, len(values))
	require.NoError(t, err)
	assert.Equal(t, values, decoded)
}

// TestCompressDecompressColumnDistinguishesExplicitNullFromGap confirms a
// genuine JSON null value (a row the client explicitly set to null) survives
// the round trip distinctly from an undefined position next to it, even
// though both serialize to the 4-byte literal "null" inside a run's Values.
func TestCompressDecompressColumnDistinguishesExplicitNullFromGap(t *testing.T) {
	values := []json.RawMessage{raw("1"), raw("null"), nil, raw("4")}
	require.False(t, useDictionary(values), "test fixture must exercise the no-dictionary path")

	runs, dictionary := CompressColumn(values)
	decoded, err := DecompressColumn(runs, dictionary, len(values))
	require.NoError(t, err)

	assert.Equal(t, raw("null"), decoded[1], "explicit null must round-trip as null, not as undefined")
	assert.Nil(t, decoded[2], "gap must round-trip as undefined")
}
