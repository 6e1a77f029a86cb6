package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/internal/models"
)

// commander is the part of a session the command loop drives.
type commander interface {
	HostStart(ctx context.Context) error
	HostNext(ctx context.Context) error
	SubmitAnswer(ctx context.Context, selectedIndex int) error
	FetchQuestion(ctx context.Context) (models.Question, error)
	FinalResults(ctx context.Context) (models.FinalResults, error)
	RetryResult(ctx context.Context)
	Reload(ctx context.Context) error
}

var errUnknownCommand = errors.New("unknown command")

func readCommands(ctx context.Context, sess commander, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := handleCommand(ctx, sess, line); err != nil {
			log.Warn().Err(err).Str("command", line).Msg("command failed")
		}
	}
}

func handleCommand(ctx context.Context, sess commander, line string) error {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "start":
		return sess.HostStart(ctx)
	case "next":
		return sess.HostNext(ctx)
	case "answer", "a":
		if len(fields) != 2 {
			return errors.New("usage: answer <option index>")
		}
		idx, err := strconv.Atoi(fields[1])
		if err != nil || idx < 0 {
			return fmt.Errorf("invalid option index %q", fields[1])
		}
		return sess.SubmitAnswer(ctx, idx)
	case "question", "q":
		q, err := sess.FetchQuestion(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("round", q.RoundNumber).Str("text", q.Text).Strs("options", q.Options).Msg("question")
		return nil
	case "retry":
		sess.RetryResult(ctx)
		return nil
	case "reload":
		return sess.Reload(ctx)
	case "results":
		final, err := sess.FinalResults(ctx)
		if err != nil {
			return err
		}
		winner := ""
		if final.Winner != nil {
			winner = *final.Winner
		}
		log.Info().Str("winner", winner).Int("answers", len(final.Answers)).Msg("final results")
		return nil
	default:
		return fmt.Errorf("%w: %s", errUnknownCommand, fields[0])
	}
}
