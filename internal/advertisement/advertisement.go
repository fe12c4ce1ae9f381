// Package advertisement builds and parses the server listing a Bedrock server
// returns to an unconnected ping.
//
// Wire form (semicolon separated, trailing semicolon):
//
//	MCPE;motd;protocol;version;online;max;serverId;levelName;gamemode;gamemodeId;portV4;portV6;
package advertisement

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/energizer-project/bedrock/internal/version"
)

// Edition is the leading field of every Bedrock advertisement.
const Edition = "MCPE"

const (
	DefaultMOTD       = "Bedrock Protocol Server"
	DefaultLevelName  = "bedrock-protocol"
	DefaultGameMode   = "Creative"
	DefaultGameModeID = 1
	DefaultMaxPlayers = 10
)

// ErrMalformed is returned by Parse for data that is not an advertisement.
var ErrMalformed = errors.New("malformed server advertisement")

// Listing is the raw, partially filled listing data a server owner supplies.
// Zero fields take the defaults.
type Listing struct {
	MOTD          string
	LevelName     string
	PlayersOnline int
	PlayersMax    int
	GameMode      string
	GameModeID    int
	ServerID      string
}

// Advertisement is an immutable snapshot of a server listing.
type Advertisement struct {
	Name          string `json:"name"`
	MOTD          string `json:"motd"`
	Protocol      int    `json:"protocol"`
	Version       string `json:"version"`
	PlayersOnline int    `json:"players_online"`
	PlayersMax    int    `json:"players_max"`
	ServerID      string `json:"server_id"`
	LevelName     string `json:"level_name"`
	GameMode      string `json:"gamemode"`
	GameModeID    int    `json:"gamemode_id"`
	PortV4        int    `json:"port_v4"`
	PortV6        int    `json:"port_v6"`
}

// New builds the advertisement of a server listening on port and speaking
// the given semantic version.
func New(l Listing, port int, v string) Advertisement {
	a := Advertisement{
		Name:          Edition,
		MOTD:          l.MOTD,
		Version:       v,
		PlayersOnline: l.PlayersOnline,
		PlayersMax:    l.PlayersMax,
		ServerID:      l.ServerID,
		LevelName:     l.LevelName,
		GameMode:      l.GameMode,
		GameModeID:    l.GameModeID,
		PortV4:        port,
		PortV6:        port + 1,
	}
	if a.Version == "" {
		_, a.Version = version.Latest()
	}
	a.Protocol, _ = version.ProtocolFor(a.Version)
	if a.MOTD == "" {
		a.MOTD = DefaultMOTD
	}
	if a.LevelName == "" {
		a.LevelName = DefaultLevelName
	}
	if a.PlayersMax <= 0 {
		a.PlayersMax = DefaultMaxPlayers
	}
	if a.GameMode == "" {
		a.GameMode = DefaultGameMode
		a.GameModeID = DefaultGameModeID
	}
	if a.ServerID == "" {
		a.ServerID = newServerID()
	}
	return a
}

// newServerID derives a positive 63-bit decimal id from a random UUID.
func newServerID() string {
	id := uuid.New()
	return strconv.FormatUint(binary.BigEndian.Uint64(id[:8])>>1, 10)
}

// WithPlayers returns a copy with the player counts replaced.
func (a Advertisement) WithPlayers(online, limit int) Advertisement {
	a.PlayersOnline = online
	if limit > 0 {
		a.PlayersMax = limit
	}
	return a
}

// Bytes returns the wire form.
func (a Advertisement) Bytes() []byte {
	return []byte(a.String())
}

func (a Advertisement) String() string {
	fields := []string{
		a.Name,
		a.MOTD,
		strconv.Itoa(a.Protocol),
		a.Version,
		strconv.Itoa(a.PlayersOnline),
		strconv.Itoa(a.PlayersMax),
		a.ServerID,
		a.LevelName,
		a.GameMode,
		strconv.Itoa(a.GameModeID),
		strconv.Itoa(a.PortV4),
		strconv.Itoa(a.PortV6),
	}
	return strings.Join(fields, ";") + ";"
}

// Parse decodes a pong payload. Servers may omit the trailing fields after
// the player counts; missing ones stay zero.
func Parse(b []byte) (Advertisement, error) {
	fields := strings.Split(strings.TrimSuffix(string(b), ";"), ";")
	if len(fields) < 6 {
		return Advertisement{}, fmt.Errorf("%w: %d fields", ErrMalformed, len(fields))
	}

	a := Advertisement{
		Name:    fields[0],
		MOTD:    fields[1],
		Version: fields[3],
	}
	var err error
	if a.Protocol, err = atoi(fields[2], "protocol"); err != nil {
		return Advertisement{}, err
	}
	if a.PlayersOnline, err = atoi(fields[4], "players online"); err != nil {
		return Advertisement{}, err
	}
	if a.PlayersMax, err = atoi(fields[5], "players max"); err != nil {
		return Advertisement{}, err
	}

	opt := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	a.ServerID = opt(6)
	a.LevelName = opt(7)
	a.GameMode = opt(8)
	a.GameModeID, _ = strconv.Atoi(opt(9))
	a.PortV4, _ = strconv.Atoi(opt(10))
	a.PortV6, _ = strconv.Atoi(opt(11))
	return a, nil
}

func atoi(s, field string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformed, field, s)
	}
	return n, nil
}
