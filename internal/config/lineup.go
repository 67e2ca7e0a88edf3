package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

// ErrNoLineup is returned by LoadLineup when the file does not exist.
var ErrNoLineup = errors.New("lineup file not found")

// Lineup is a YAML file that loads a match and seats teams:
//
//	match:
//	  level: qualification
//	  number: 12
//	stations:
//	  R1: 1678
//	  B3: 254
type Lineup struct {
	Match    LineupMatch       `yaml:"match"`
	Stations map[string]uint16 `yaml:"stations"`
	// Addresses optionally pins stations to DS IPs, like static_stations.
	Addresses map[string]string `yaml:"addresses"`
}

// LineupMatch is the match a lineup loads.
type LineupMatch struct {
	Level  string `yaml:"level"`
	Number uint16 `yaml:"number"`
	Play   uint8  `yaml:"play"`
}

// Seat is one validated station assignment.
type Seat struct {
	Station protocol.AllianceStation
	Team    uint16
}

// LoadLineup reads and validates a lineup file.
func LoadLineup(path string) (*Lineup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoLineup, path)
		}
		return nil, fmt.Errorf("failed to read lineup %s: %w", path, err)
	}
	l, err := ParseLineup(data)
	if err != nil {
		return nil, fmt.Errorf("lineup %s: %w", path, err)
	}
	return l, nil
}

// ParseLineup decodes lineup YAML and checks that every station code is
// valid and no team is seated twice.
func ParseLineup(data []byte) (*Lineup, error) {
	var l Lineup
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse lineup: %w", err)
	}
	if _, err := l.Seats(); err != nil {
		return nil, err
	}
	if l.Match.Level != "" {
		if _, err := protocol.ParseTournamentLevel(l.Match.Level); err != nil {
			return nil, err
		}
	}
	for code := range l.Addresses {
		if _, err := protocol.ParseAllianceStation(code); err != nil {
			return nil, err
		}
	}
	return &l, nil
}

// Seats returns the assignments in station order.
func (l *Lineup) Seats() ([]Seat, error) {
	seats := make([]Seat, 0, len(l.Stations))
	seen := make(map[uint16]protocol.AllianceStation)
	for code, team := range l.Stations {
		st, err := protocol.ParseAllianceStation(code)
		if err != nil {
			return nil, err
		}
		if team == 0 {
			return nil, fmt.Errorf("station %s: team 0 is not a team", st)
		}
		if other, dup := seen[team]; dup {
			return nil, fmt.Errorf("team %d is seated in both %s and %s", team, other, st)
		}
		seen[team] = st
		seats = append(seats, Seat{Station: st, Team: team})
	}
	sort.Slice(seats, func(i, j int) bool {
		return seats[i].Station.Index() < seats[j].Station.Index()
	})
	return seats, nil
}

// TournamentLevel returns the level, defaulting to test.
func (m LineupMatch) TournamentLevel() protocol.TournamentLevel {
	lvl, err := protocol.ParseTournamentLevel(m.Level)
	if err != nil {
		return protocol.LevelTest
	}
	return lvl
}
