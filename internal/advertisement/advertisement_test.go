package advertisement

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFillsDefaults(t *testing.T) {
	a := New(Listing{}, 19132, "1.21.50")

	assert.Equal(t, Edition, a.Name)
	assert.Equal(t, DefaultMOTD, a.MOTD)
	assert.Equal(t, 766, a.Protocol)
	assert.Equal(t, DefaultLevelName, a.LevelName)
	assert.Equal(t, DefaultMaxPlayers, a.PlayersMax)
	assert.Equal(t, "Creative", a.GameMode)
	assert.Equal(t, 1, a.GameModeID)
	assert.Equal(t, 19132, a.PortV4)
	assert.Equal(t, 19133, a.PortV6)

	id, err := strconv.ParseUint(a.ServerID, 10, 64)
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestNewEmptyVersionUsesLatest(t *testing.T) {
	a := New(Listing{MOTD: "Lobby"}, 19132, "")
	assert.Equal(t, "1.21.71", a.Version)
	assert.Equal(t, 786, a.Protocol)
}

func TestWireForm(t *testing.T) {
	a := New(Listing{
		MOTD:          "Lobby",
		LevelName:     "world",
		PlayersOnline: 3,
		PlayersMax:    20,
		GameMode:      "Survival",
		GameModeID:    0,
		ServerID:      "1234",
	}, 19132, "1.21.0")

	assert.Equal(t, "MCPE;Lobby;685;1.21.0;3;20;1234;world;Survival;0;19132;19133;", a.String())

	parsed, err := Parse(a.Bytes())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestParseShortListing(t *testing.T) {
	a, err := Parse([]byte("MCPE;Old server;100;1.0.0;0;5"))
	require.NoError(t, err)
	assert.Equal(t, 100, a.Protocol)
	assert.Equal(t, 5, a.PlayersMax)
	assert.Empty(t, a.LevelName)
	assert.Zero(t, a.PortV4)
}

func TestParseRejectsGarbage(t *testing.T) {
	for name, in := range map[string]string{
		"empty":        "",
		"too short":    "MCPE;motd;1",
		"bad protocol": "MCPE;motd;x;1.0.0;0;5;",
		"bad players":  "MCPE;motd;100;1.0.0;zero;5;",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(in))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestWithPlayers(t *testing.T) {
	a := New(Listing{PlayersMax: 8}, 19132, "1.21.50")
	b := a.WithPlayers(4, 0)
	assert.Equal(t, 4, b.PlayersOnline)
	assert.Equal(t, 8, b.PlayersMax)
	assert.Equal(t, 0, a.PlayersOnline)
}
