package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/massensors/beltconsole/remote"
)

func TestValidateParameter(t *testing.T) {
	cases := []struct {
		name    string
		address int
		value   string
		ok      bool
	}{
		{"single digit", 1, "7", true},
		{"one byte rejects letters", 5, "a", false},
		{"one byte rejects two digits", 10, "12", false},
		{"one byte accepts zero", 10, "0", true},
		{"one byte rejects non-ascii digit", 5, "٣", false},
		{"one byte rejects punctuation", 1, "/", false},
		{"eight bytes max length", 2, "12345678", true},
		{"eight bytes too long", 2, "123456789", false},
		{"eight bytes free text", 8, "1.05", true},
		{"empty value", 3, "  ", false},
		{"unknown address", 15, "1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateParameter(tc.address, tc.value)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.True(t, remote.IsValidation(err))
		})
	}
}

func TestParameterLookup(t *testing.T) {
	spec, ok := LookupParameter(14)
	require.True(t, ok)
	require.Equal(t, "beltLengthPulses", spec.Name)
	require.Equal(t, FormatEightBytes, spec.Format)

	spec, ok = LookupParameterName("SCALETYPE")
	require.True(t, ok)
	require.Equal(t, 5, spec.Address)

	_, ok = LookupParameter(0)
	require.False(t, ok)
	require.Len(t, Parameters(), 14)
}

func TestAliasAddress(t *testing.T) {
	name, addr, err := AliasAddress("scaleid")
	require.NoError(t, err)
	require.Equal(t, "scaleId", name)
	require.Equal(t, 19, addr)

	_, _, err = AliasAddress("owner")
	require.True(t, remote.IsValidation(err))

	require.Equal(t, []string{"company", "location", "productName", "scaleId"}, AliasFields())
}
