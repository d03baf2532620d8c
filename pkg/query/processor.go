package query

import (
	"time"

	"go.uber.org/zap"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/serializer"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

func (r *Router) onInbound(in *wire.QueryProviderInbound) {
	switch in.RequestCase() {
	case wire.CaseQuery:
		req := in.Query
		// negated so that higher priority queries get the smaller sort key
		priority := -serializer.Priority(req.ProcessingInstructions)
		if err := r.executor.Submit(priority, func() { r.processQuery(req) }); err != nil {
			r.logger.ComponentWarn(logging.ComponentQuery, "Could not queue inbound query",
				zap.String("query", req.Query),
				zap.String("message_id", req.MessageIdentifier),
				zap.Error(err))
			r.sendError(req.MessageIdentifier, dispatcherrors.CodeQueryDispatch, err)
		}
	case wire.CaseSubscriptionQueryRequest:
		r.target.handle(in.SubscriptionQueryRequest)
	case wire.CaseConfirmation:
		ack := in.Confirmation
		if !ack.Success {
			r.logger.ComponentWarn(logging.ComponentQuery, "Instruction rejected by hub",
				zap.String("instruction_id", ack.InstructionID),
				zap.Any("error", ack.Error))
		}
	default:
		r.logger.ComponentDebug(logging.ComponentQuery, "Ignoring unknown inbound message",
			zap.String("instruction_id", in.InstructionID))
	}
}

// processQuery answers req from the local segment. Every response is sent
// followed by a QueryComplete; a failure sends one error response instead.
func (r *Router) processQuery(req *wire.QueryRequest) {
	if !r.running.Load() {
		r.logger.ComponentWarn(logging.ComponentQuery, "Query router stopped, dropping query",
			zap.String("query", req.Query),
			zap.String("message_id", req.MessageIdentifier))
		return
	}
	requestID := req.MessageIdentifier

	q, err := r.serializer.DeserializeRequest(req)
	if err != nil {
		r.logger.ComponentError(logging.ComponentQuery, "Failed to deserialize inbound query",
			zap.String("query", req.Query),
			zap.Error(err))
		r.sendError(requestID, dispatcherrors.CodeQueryExecution, err)
		return
	}

	if serializer.NumberOfResults(req.ProcessingInstructions) == 1 {
		resp, err := r.local.Query(r.ctx, q)
		if err != nil {
			r.logger.ComponentWarn(logging.ComponentQuery, "Failed to dispatch query locally",
				zap.String("query", q.QueryName),
				zap.Error(err))
			r.sendError(requestID, serializer.QueryErrorCode(err), err)
			return
		}
		if err := r.sendResponse(resp, requestID); err != nil {
			return
		}
	} else {
		timeout := time.Duration(r.cfg.LocalScatterTimeoutMS) * time.Millisecond
		for resp := range r.local.ScatterGather(r.ctx, q, timeout) {
			if err := r.sendResponse(resp, requestID); err != nil {
				return
			}
		}
	}

	err = r.send(&wire.QueryProviderOutbound{
		InstructionID: message.NewIdentifier(),
		QueryComplete: &wire.QueryComplete{MessageID: message.NewIdentifier(), RequestID: requestID},
	})
	if err != nil {
		r.logger.ComponentWarn(logging.ComponentQuery, "Failed to complete query",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

func (r *Router) sendResponse(resp *message.QueryResponseMessage, requestID string) error {
	err := r.send(&wire.QueryProviderOutbound{
		InstructionID: message.NewIdentifier(),
		QueryResponse: r.serializer.SerializeResponse(resp, requestID),
	})
	if err != nil {
		r.logger.ComponentWarn(logging.ComponentQuery, "Failed to send query response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	return err
}

// sendError reports a failure for requestID. Without a live stream there is
// nowhere to send it, so it is dropped.
func (r *Router) sendError(requestID, code string, err error) {
	out := r.outbound.Load()
	if out == nil {
		r.logger.ComponentDebug(logging.ComponentQuery, "No provider stream, dropping error response",
			zap.String("request_id", requestID))
		return
	}
	resp := &wire.QueryProviderOutbound{
		InstructionID: message.NewIdentifier(),
		QueryResponse: r.serializer.SerializeError(requestID, code, err),
	}
	if sendErr := out.Send(resp); sendErr != nil {
		r.logger.ComponentDebug(logging.ComponentQuery, "Failed to send error response",
			zap.String("request_id", requestID),
			zap.Error(sendErr))
	}
}
