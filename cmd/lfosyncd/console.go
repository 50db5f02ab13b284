package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lfosync/lfosync/internal/clocksync"
	"github.com/lfosync/lfosync/internal/log"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errServerOnly     = errors.New("command needs the server role")
)

type commandOp int

const (
	opStatus commandOp = iota
	opNext
	opPause
	opResume
	opSpeed
	opItem
	opCustom
)

// command is one operator console line.
type command struct {
	op      commandOp
	speed   float64
	item    int32
	name    string
	payload []byte
}

// parseCommand parses lines such as "speed 0.5", "item 3" or
// "cmd flash red".
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, fmt.Errorf("%w: empty line", errUnknownCommand)
	}

	arg := func() (string, error) {
		if len(fields) < 2 {
			return "", fmt.Errorf("%s: missing argument", fields[0])
		}
		return fields[1], nil
	}

	switch strings.ToLower(fields[0]) {
	case "status":
		return command{op: opStatus}, nil
	case "next":
		return command{op: opNext}, nil
	case "pause":
		return command{op: opPause}, nil
	case "resume", "play":
		return command{op: opResume}, nil
	case "speed":
		v, err := arg()
		if err != nil {
			return command{}, err
		}
		speed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return command{}, fmt.Errorf("speed: %w", err)
		}
		return command{op: opSpeed, speed: speed}, nil
	case "item":
		v, err := arg()
		if err != nil {
			return command{}, err
		}
		index, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return command{}, fmt.Errorf("item: %w", err)
		}
		return command{op: opItem, item: int32(index)}, nil
	case "cmd":
		name, err := arg()
		if err != nil {
			return command{}, err
		}
		cmd := command{op: opCustom, name: name}
		if len(fields) > 2 {
			cmd.payload = []byte(strings.Join(fields[2:], " "))
		}
		return cmd, nil
	}
	return command{}, fmt.Errorf("%w: %q", errUnknownCommand, fields[0])
}

// applyServer runs cmd against the server. It must be called from the
// goroutine that ticks the server.
func (cmd command) applyServer(s *clocksync.Server) error {
	switch cmd.op {
	case opNext:
		index, err := s.NextItem()
		if err != nil {
			return err
		}
		log.Info().Int32("item", index).Msg("Changed playlist item")
		return nil
	case opPause:
		return s.SetPause(true)
	case opResume:
		return s.SetPause(false)
	case opSpeed:
		return s.SetSpeed(cmd.speed)
	case opItem:
		return s.ChangeItem(cmd.item)
	case opCustom:
		if cmd.payload == nil {
			return s.SendCustomCommand(cmd.name)
		}
		return s.SendCustomCommandWithData(cmd.name, cmd.payload)
	}
	return nil
}

// readConsole parses lines from r into out until r ends or ctx is done.
// Lines that fail to parse are logged and skipped.
func readConsole(ctx context.Context, r io.Reader, out chan<- command) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, err := parseCommand(line)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring console input")
			continue
		}
		select {
		case out <- cmd:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("Console closed")
	}
}
