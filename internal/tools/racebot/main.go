// Command racebot drives a synthetic racer against a typerace server.
// It joins (or creates) a game, holds a live connection, and types the
// reference text at a fixed pace. Useful for filling seats during
// development and for smoke-testing a deployment end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/typerace/internal/client"
	"github.com/mcdev12/typerace/internal/httpapi"
	"github.com/mcdev12/typerace/internal/race"
)

const defaultText = "The quick brown fox jumps over the lazy dog while the " +
	"patient hound watches from the porch and waits for supper."

func main() {
	var (
		server = flag.String("server", "http://localhost:8080", "base URL of the race server")
		gameID = flag.String("game", "", "game to join; creates a new game when empty")
		name   = flag.String("name", "racebot", "display name")
		wpm    = flag.Int("wpm", 45, "typing pace in words per minute")
		text   = flag.String("text", defaultText, "reference text when creating a game")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *server, *gameID, *name, *wpm, *text); err != nil {
		log.Fatal().Err(err).Msg("racebot failed")
	}
}

func run(ctx context.Context, server, gameID, name string, wpm int, text string) error {
	api := httpapi.NewClient(server, httpapi.Credentials{})

	if gameID == "" {
		game, err := api.CreateGame(ctx, text)
		if err != nil {
			return fmt.Errorf("create game: %w", err)
		}
		gameID = game.GameID
		log.Info().Str("game_id", gameID).Msg("created game")
	}

	join, err := api.JoinGame(ctx, gameID, name)
	if err != nil {
		return fmt.Errorf("join game: %w", err)
	}
	log.Info().Str("game_id", gameID).Str("player_id", join.PlayerID).Msg("joined game")

	id, err := uuid.Parse(gameID)
	if err != nil {
		return fmt.Errorf("parse game id: %w", err)
	}
	sess := race.NewSession(id, join.Game.Text)
	sess.MergeSnapshot(join.Game, join.PlayerID)

	notify := client.Notifier(func(n client.Notification) {
		log.Info().Str("severity", string(n.Severity)).Msg(n.Message)
	})

	conn := client.New(client.Config{
		URL:    api.SocketURL(gameID) + "?playerId=" + join.PlayerID,
		Notify: notify,
	})
	conn.Connect(ctx)
	defer conn.Close()

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctrl := client.NewController(client.ControllerConfig{
		Session:   sess,
		SelfID:    join.PlayerID,
		Transport: conn,
		Notify:    notify,
		OnFinish:  cancel,
	})
	go ctrl.Run(raceCtx)

	typeText(raceCtx, ctrl, join.Game.Text, wpm)

	<-raceCtx.Done()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	printStandings(ctrl)
	return nil
}

// typeText feeds the reference text into the controller one character
// per tick, paced so wpm five-character words land per minute. It
// blocks until the transcript is complete or ctx is cancelled.
func typeText(ctx context.Context, ctrl *client.Controller, text string, wpm int) {
	if wpm <= 0 {
		wpm = 45
	}
	interval := time.Minute / time.Duration(wpm*5)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	chars := []rune(text)
	typed := 0
	for typed < len(chars) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctrl.Status() != race.StatusPlaying {
				continue
			}
			typed++
			ctrl.Type(string(chars[:typed]))
		}
	}
}

func printStandings(ctrl *client.Controller) {
	snap := ctrl.Snapshot()
	fmt.Printf("race %s finished\n", snap.GameID)
	for _, p := range snap.Players {
		state := "dnf"
		if p.CompletedAt != nil {
			state = "finished"
		}
		fmt.Printf("  %-16s %3d wpm  %3d%% accuracy  %s\n", p.Name, p.WPM, p.Accuracy, state)
	}
}
