package hub

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// pendingCommand is a command delivered to a provider and awaiting its response.
type pendingCommand struct {
	caller   *peer
	call     string
	command  *wire.Command
	provider *provider
}

func commandError(cmd *wire.Command, msg *wire.ErrorMessage) *wire.CommandResponse {
	return &wire.CommandResponse{
		MessageIdentifier: message.NewIdentifier(),
		RequestIdentifier: cmd.MessageIdentifier,
		ErrorCode:         msg.ErrorCode,
		ErrorMessage:      msg,
	}
}

func (c *routingContext) onCommandProvider(pr *provider, f *wire.Frame) {
	var out wire.CommandProviderOutbound
	if err := f.Decode(&out); err != nil {
		c.logger.ComponentWarn(logging.ComponentHub, "Malformed command provider message",
			zap.String("client_id", pr.peer.clientID),
			zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch out.RequestCase() {
	case wire.CaseFlowControl:
		c.grantLocked(pr, out.FlowControl.Permits)
	case wire.CaseSubscribe:
		name := out.Subscribe.Command
		if !slices.Contains(c.commands[name], pr) {
			c.commands[name] = append(c.commands[name], pr)
			c.logger.ComponentInfo(logging.ComponentHub, "Command handler registered",
				zap.String("context", c.name),
				zap.String("command", name),
				zap.String("client_id", pr.peer.clientID))
		}
	case wire.CaseUnsubscribe:
		name := out.Unsubscribe.Command
		c.commands[name] = slices.DeleteFunc(c.commands[name], func(x *provider) bool { return x == pr })
		if len(c.commands[name]) == 0 {
			delete(c.commands, name)
		}
	case wire.CaseCommandResponse:
		resp := out.CommandResponse
		pc := c.pendingCommands[resp.RequestIdentifier]
		if pc == nil || pc.provider != pr {
			c.logger.ComponentDebug(logging.ComponentHub, "Response for unknown command",
				zap.String("request_id", resp.RequestIdentifier))
			return
		}
		delete(c.pendingCommands, resp.RequestIdentifier)
		pc.caller.next(pc.call, wire.ChannelDispatchCommand, resp)
		pc.caller.complete(pc.call, wire.ChannelDispatchCommand)
	default:
		c.logger.ComponentDebug(logging.ComponentHub, "Ignoring command provider message",
			zap.String("case", string(out.RequestCase())))
	}
}

// dispatchCommand hands cmd to the next provider of its name that holds a
// permit, rotating between providers. Without any provider the caller gets
// a NO_HANDLER_FOR_COMMAND response right away.
func (c *routingContext) dispatchCommand(caller *peer, call string, cmd *wire.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.commands[cmd.Name]) == 0 {
		caller.next(call, wire.ChannelDispatchCommand, commandError(cmd, &wire.ErrorMessage{
			Message:   fmt.Sprintf("No handler for command: %s", cmd.Name),
			Location:  hubLocation,
			ErrorCode: dispatcherrors.CodeNoHandlerForCommand,
		}))
		caller.complete(call, wire.ChannelDispatchCommand)
		return
	}

	pc := &pendingCommand{caller: caller, call: call, command: cmd}
	try := func() bool {
		if !caller.alive() {
			return true
		}
		pr := c.nextCommandProviderLocked(cmd.Name)
		if pr == nil {
			return false
		}
		pr.permits--
		pc.provider = pr
		c.pendingCommands[cmd.MessageIdentifier] = pc
		pr.peer.next(pr.call, wire.ChannelCommandProvider, &wire.CommandProviderInbound{
			InstructionID: message.NewIdentifier(),
			Command:       cmd,
		})
		return true
	}
	if try() {
		return
	}

	c.logger.ComponentDebug(logging.ComponentHub, "No command provider permits, deferring",
		zap.String("command", cmd.Name),
		zap.String("message_id", cmd.MessageIdentifier))
	c.deferLocked(caller, try, func() {
		caller.next(call, wire.ChannelDispatchCommand, commandError(cmd, &wire.ErrorMessage{
			Message:   fmt.Sprintf("no provider of %s granted permits in %s", cmd.Name, c.permitsWait),
			Location:  hubLocation,
			ErrorCode: dispatcherrors.CodeCommandDispatch,
		}))
		caller.complete(call, wire.ChannelDispatchCommand)
	})
}

func (c *routingContext) nextCommandProviderLocked(name string) *provider {
	providers := c.commands[name]
	for range providers {
		i := c.roundRobin[name] % len(providers)
		c.roundRobin[name] = i + 1
		if pr := providers[i]; pr.permits > 0 {
			return pr
		}
	}
	return nil
}

func (c *routingContext) cancelCommand(caller *peer, call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pc := range c.pendingCommands {
		if pc.caller == caller && pc.call == call {
			delete(c.pendingCommands, id)
		}
	}
}
