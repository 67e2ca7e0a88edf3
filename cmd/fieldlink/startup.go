package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/fieldlink-project/fieldlink/internal/config"
	"github.com/fieldlink-project/fieldlink/internal/field"
	"github.com/fieldlink-project/fieldlink/internal/match"
	"github.com/fieldlink-project/fieldlink/internal/network"
	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

// startWithRetry calls start until it succeeds, ctx ends, or maxRetries
// attempts have failed. Port binds fail briefly after a restart while the
// previous process's sockets drain.
func startWithRetry(ctx context.Context, name string, start func(context.Context) error, maxRetries uint64) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), maxRetries), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := start(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Str("service", name).Int("attempt", attempt).Msg("start failed, retrying")
		return err
	}, bo)
}

// applyStaticStations seeds the registry with fixed DS addresses from
// the config. Bad entries are logged and skipped.
func applyStaticStations(registry *network.StationRegistry, static map[string]string) {
	for code, addr := range static {
		station, err := protocol.ParseAllianceStation(code)
		if err != nil {
			log.Warn().Str("station", code).Err(err).Msg("ignoring static station")
			continue
		}
		ip, err := netip.ParseAddr(addr)
		if err != nil {
			log.Warn().Str("station", code).Str("addr", addr).Err(err).Msg("ignoring static station address")
			continue
		}
		registry.SetStatic(station, ip)
		log.Info().Str("station", station.Code()).Stringer("addr", ip).Msg("static station address")
	}
}

// applyLineup loads the configured lineup file, if any: the match it
// names and the team in each seat. A missing file is not an error.
func applyLineup(cfg *config.Config, sup *field.LinkSupervisor, ctrl *match.Controller, registry *network.StationRegistry) error {
	path := cfg.LineupPath()
	if path == "" {
		return nil
	}
	lineup, err := config.LoadLineup(path)
	if errors.Is(err, config.ErrNoLineup) {
		log.Debug().Str("path", path).Msg("no lineup file")
		return nil
	}
	if err != nil {
		return err
	}

	play := lineup.Match.Play
	if play == 0 {
		play = 1
	}
	if lineup.Match.Number > 0 {
		if err := ctrl.Load(lineup.Match.TournamentLevel(), lineup.Match.Number, play); err != nil {
			return fmt.Errorf("load match: %w", err)
		}
	}

	seats, err := lineup.Seats()
	if err != nil {
		return err
	}
	for _, seat := range seats {
		if err := sup.Assign(seat.Station, seat.Team); err != nil {
			return fmt.Errorf("assign %s: %w", seat.Station.Code(), err)
		}
	}
	applyStaticStations(registry, lineup.Addresses)

	log.Info().
		Str("path", path).
		Int("seats", len(seats)).
		Uint16("match", lineup.Match.Number).
		Msg("lineup applied")
	return nil
}
