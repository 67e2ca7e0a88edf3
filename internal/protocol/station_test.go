package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStationIndex(t *testing.T) {
	tests := []struct {
		alliance Alliance
		slot     uint8
		index    uint8
		code     string
	}{
		{AllianceRed, 1, 0, "R1"},
		{AllianceRed, 2, 1, "R2"},
		{AllianceRed, 3, 2, "R3"},
		{AllianceBlue, 1, 3, "B1"},
		{AllianceBlue, 2, 4, "B2"},
		{AllianceBlue, 3, 5, "B3"},
	}
	for _, tc := range tests {
		st, err := NewAllianceStation(tc.alliance, tc.slot)
		require.NoError(t, err)
		require.Equal(t, tc.index, st.Index())
		require.Equal(t, tc.code, st.Code())

		back, err := StationFromIndex(tc.index)
		require.NoError(t, err)
		require.Equal(t, st, back)
	}

	_, err := StationFromIndex(StationCount)
	require.ErrorIs(t, err, ErrInvalidStation)
}

func TestNewAllianceStation_RejectsOutOfRange(t *testing.T) {
	for _, slot := range []uint8{0, 4, 7, 255} {
		_, err := NewAllianceStation(AllianceRed, slot)
		require.ErrorIs(t, err, ErrInvalidStation, "slot %d", slot)
	}
	_, err := NewAllianceStation(Alliance(2), 1)
	require.ErrorIs(t, err, ErrInvalidStation)

	require.Panics(t, func() { MustStation(AllianceBlue, 4) })
	require.False(t, AllianceStation{}.Valid())
}

func TestParseAllianceStation(t *testing.T) {
	good := map[string]AllianceStation{
		"R1":     MustStation(AllianceRed, 1),
		"b3":     MustStation(AllianceBlue, 3),
		"red2":   MustStation(AllianceRed, 2),
		"Blue 1": MustStation(AllianceBlue, 1),
		"blue-3": MustStation(AllianceBlue, 3),
		" r_2 ":  MustStation(AllianceRed, 2),
	}
	for in, want := range good {
		got, err := ParseAllianceStation(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "r", "g1", "red", "r4", "b0", "blue-x", "red1000"} {
		_, err := ParseAllianceStation(in)
		require.ErrorIs(t, err, ErrInvalidStation, in)
	}
}

func TestStationJSON(t *testing.T) {
	type doc struct {
		Station AllianceStation `json:"station"`
	}
	data, err := json.Marshal(doc{Station: MustStation(AllianceBlue, 2)})
	require.NoError(t, err)
	require.JSONEq(t, `{"station":"B2"}`, string(data))

	var out doc
	require.NoError(t, json.Unmarshal([]byte(`{"station":"red3"}`), &out))
	require.Equal(t, MustStation(AllianceRed, 3), out.Station)

	require.Error(t, json.Unmarshal([]byte(`{"station":"R9"}`), &out))
	require.Equal(t, "Blue 2", MustStation(AllianceBlue, 2).String())
	require.Len(t, AllStations(), StationCount)
}
