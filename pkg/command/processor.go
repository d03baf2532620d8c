package command

import (
	"go.uber.org/zap"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/serializer"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

func (r *Router) onInbound(in *wire.CommandProviderInbound) {
	switch in.RequestCase() {
	case wire.CaseCommand:
		cmd := in.Command
		// negated so that higher priority commands get the smaller sort key
		priority := -serializer.Priority(cmd.ProcessingInstructions)
		if err := r.executor.Submit(priority, func() { r.processCommand(cmd) }); err != nil {
			r.logger.ComponentWarn(logging.ComponentCommand, "Could not queue inbound command",
				zap.String("command", cmd.Name),
				zap.String("message_id", cmd.MessageIdentifier),
				zap.Error(err))
			r.sendError(cmd.MessageIdentifier, dispatcherrors.CodeCommandDispatch, err)
		}
	case wire.CaseConfirmation:
		ack := in.Confirmation
		if !ack.Success {
			r.logger.ComponentWarn(logging.ComponentCommand, "Instruction rejected by hub",
				zap.String("instruction_id", ack.InstructionID),
				zap.Any("error", ack.Error))
		}
	default:
		r.logger.ComponentDebug(logging.ComponentCommand, "Ignoring unknown inbound message",
			zap.String("instruction_id", in.InstructionID))
	}
}

func (r *Router) processCommand(cmd *wire.Command) {
	if !r.running.Load() {
		r.logger.ComponentWarn(logging.ComponentCommand, "Command router stopped, dropping command",
			zap.String("command", cmd.Name),
			zap.String("message_id", cmd.MessageIdentifier))
		return
	}

	msg, err := r.serializer.DeserializeRequest(cmd)
	if err != nil {
		r.logger.ComponentError(logging.ComponentCommand, "Failed to deserialize inbound command",
			zap.String("command", cmd.Name),
			zap.Error(err))
		r.sendError(cmd.MessageIdentifier, dispatcherrors.CodeCommandDispatch, err)
		return
	}

	err = r.local.Dispatch(r.ctx, msg, func(_ *message.CommandMessage, result *message.CommandResultMessage) {
		if result.IsExceptional() {
			r.logger.ComponentError(logging.ComponentCommand, "Command handler failed",
				zap.String("command", cmd.Name),
				zap.String("message_id", cmd.MessageIdentifier),
				zap.Error(result.Err))
		}
		r.sendResponse(&wire.CommandProviderOutbound{
			InstructionID:   message.NewIdentifier(),
			CommandResponse: r.serializer.SerializeResponse(result, cmd.MessageIdentifier),
		})
	})
	if err != nil {
		r.logger.ComponentError(logging.ComponentCommand, "Local dispatch of command failed",
			zap.String("command", cmd.Name),
			zap.Error(err))
		r.sendError(cmd.MessageIdentifier, dispatcherrors.CodeCommandDispatch, err)
	}
}

func (r *Router) sendResponse(out *wire.CommandProviderOutbound) {
	if err := r.send(out); err != nil {
		r.logger.ComponentWarn(logging.ComponentCommand, "Failed to send command response",
			zap.String("request_id", out.CommandResponse.RequestIdentifier),
			zap.Error(err))
	}
}

// sendError reports a failure for requestID. Without a live stream there is
// nowhere to send it, so it is dropped.
func (r *Router) sendError(requestID, code string, err error) {
	out := r.outbound.Load()
	if out == nil {
		r.logger.ComponentDebug(logging.ComponentCommand, "No provider stream, dropping error response",
			zap.String("request_id", requestID))
		return
	}
	resp := &wire.CommandProviderOutbound{
		InstructionID:   message.NewIdentifier(),
		CommandResponse: r.serializer.SerializeError(requestID, code, err),
	}
	if sendErr := out.Send(resp); sendErr != nil {
		r.logger.ComponentDebug(logging.ComponentCommand, "Failed to send error response",
			zap.String("request_id", requestID),
			zap.Error(sendErr))
	}
}
