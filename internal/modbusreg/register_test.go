package modbusreg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Testable Property 3: decode/encode round-trip for every non-text coding.
func TestNumericRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		reg  *Register
		val  float64
	}{
		{"s16", S16Reg(0), -1234},
		{"u16", U16Reg(0), 6789},
		{"s32b", S32BReg(0), -123456},
		{"u32b", U32BReg(0), 123456},
		{"s64b", S64BReg(0), -1234567890},
		{"u64b", U64BReg(0), 1234567890},
		{"s32l", S32LReg(0), -987654},
		{"u32l", U32LReg(0), 987654},
		{"s64l", S64LReg(0), -9876543210},
		{"u64l", U64LReg(0), 9876543210},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.reg.Value = c.val
			words, err := c.reg.Encode()
			require.NoError(t, err)
			_, err = c.reg.Decode(words, 1)
			require.NoError(t, err)
			assert.Equal(t, c.val, c.reg.Value)
		})
	}
}

func TestFloatRoundTrip(t *testing.T) {
	for _, coding := range []Coding{F32B, F32L} {
		r := &Register{Coding: coding, Count: 2}
		r.Value = 3.5
		words, err := r.Encode()
		require.NoError(t, err)
		_, err = r.Decode(words, 1)
		require.NoError(t, err)
		assert.InDelta(t, 3.5, r.Value, 1e-6)
	}
}

func TestTextRoundTrip(t *testing.T) {
	r := TextReg(0, 4, false)
	r.Value = "EM24"
	words, err := r.Encode()
	require.NoError(t, err)
	_, err = r.Decode(words, 1)
	require.NoError(t, err)
	assert.Equal(t, "EM24", r.Value)

	// shorter than count words: trimmed at first NUL
	r2 := TextReg(0, 8, false)
	r2.Value = "short"
	words2, err := r2.Encode()
	require.NoError(t, err)
	_, err = r2.Decode(words2, 1)
	require.NoError(t, err)
	assert.Equal(t, "short", r2.Value)
}

func TestTextLittleWordOrder(t *testing.T) {
	big := TextReg(0, 2, false)
	little := TextReg(0, 2, true)
	big.Value = "AB"
	little.Value = "AB"
	wb, err := big.Encode()
	require.NoError(t, err)
	wl, err := little.Encode()
	require.NoError(t, err)
	assert.NotEqual(t, wb, wl)
}

// Testable Property 4: invalid sentinel decodes to "no value".
func TestInvalidSentinel(t *testing.T) {
	r := U16Reg(0, WithInvalid(0x7FFF))
	changed, err := r.Decode([]uint16{0x7FFF}, 1)
	require.NoError(t, err)
	// the register starts at "no value", so nil -> nil is not a change
	assert.False(t, changed)
	assert.False(t, r.IsValid())
	assert.Nil(t, r.Value)
}

// Testable Property 5: onchange fires exactly once per transition.
func TestOnChangeDiscipline(t *testing.T) {
	var fired int
	r := U16Reg(0, WithOnChange(func(*Register) { fired++ }))

	_, _ = r.Decode([]uint16{10}, 1)
	assert.Equal(t, 1, fired)

	_, _ = r.Decode([]uint16{10}, 2) // repeat, no change
	assert.Equal(t, 1, fired)

	_, _ = r.Decode([]uint16{20}, 3) // transition
	assert.Equal(t, 2, fired)
}

func TestOnChangeNotOnInitialNoValueToNoValue(t *testing.T) {
	var fired int
	r := U16Reg(0, WithInvalid(0xFFFF), WithOnChange(func(*Register) { fired++ }))
	_, _ = r.Decode([]uint16{0xFFFF}, 1) // still no-value: the register
	// starts at nil, decodes to nil -> not a transition
	assert.Equal(t, 0, fired)
}

func TestEnumPassThroughAndDefault(t *testing.T) {
	def := 0
	r := Enum16Reg(0, []int{1, 2, 3}, &def)
	_, err := r.Decode([]uint16{9}, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Value)

	r2 := Enum16Reg(0, []int{1, 2, 3}, nil)
	_, err = r2.Decode([]uint16{9}, 1)
	require.NoError(t, err)
	assert.Equal(t, 9, r2.Value)
}

func TestMapLookupMissingIsNoValue(t *testing.T) {
	r := Map16Reg(0, map[int]int{1: 100, 2: 200})
	_, err := r.Decode([]uint16{3}, 1)
	require.NoError(t, err)
	assert.False(t, r.IsValid())
}

func TestPackedUnpacksMSBFirst(t *testing.T) {
	// 4-bit fields, 4 items per word: 0x1234 -> [1,2,3,4]
	r := PackedReg(0, 1, 4, 4)
	_, err := r.Decode([]uint16{0x1234}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, r.Value)
}

func TestScaleApplied(t *testing.T) {
	r := U16Reg(0, WithScale(10))
	_, err := r.Decode([]uint16{1235}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 123.5, r.Value, 1e-9)
}

func TestValidate(t *testing.T) {
	r := U16Reg(0xFFFF)
	assert.NoError(t, r.Validate())

	bad := &Register{Base: 0xFFFF, Coding: U32B, Count: 2}
	assert.Error(t, bad.Validate())
}

func TestFormatPattern(t *testing.T) {
	r := U16Reg(0, WithScale(10), WithPattern("%.1fW"))
	_, _ = r.Decode([]uint16{1235}, 1)
	assert.Equal(t, "123.5W", r.Format())
}

func TestFormatTable(t *testing.T) {
	r := Enum16Reg(0, []int{0, 1}, nil, WithTable(map[int]string{0: "off", 1: "on"}))
	_, _ = r.Decode([]uint16{1}, 1)
	assert.Equal(t, "on", r.Format())
}
