package protocol

// NewUserTextMessage constructs a UserMessageToSend with a plain text string.
func NewUserTextMessage(text string) UserMessageToSend {
	return UserMessageToSend{
		Type: "user",
		Message: UserMessageToSendInner{
			Role:    "user",
			Content: text,
		},
	}
}

// NewUserBlocksMessage constructs a UserMessageToSend carrying structured
// content blocks (text plus inline images).
func NewUserBlocksMessage(blocks []interface{}) UserMessageToSend {
	return UserMessageToSend{
		Type: "user",
		Message: UserMessageToSendInner{
			Role:    "user",
			Content: blocks,
		},
	}
}

// NewPermissionAllow constructs a control_response that grants tool execution.
//
// input must be a non-nil map; pass the original CanUseToolRequest.Input when
// no modifications are needed (the wire format forbids a null updatedInput).
func NewPermissionAllow(requestID string, input map[string]interface{}) ControlResponse {
	if input == nil {
		input = map[string]interface{}{}
	}
	return ControlResponse{
		Type: MessageTypeControlResponse,
		Response: ControlResponsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response: PermissionResultAllow{
				Behavior:     PermissionBehaviorAllow,
				UpdatedInput: input,
			},
		},
	}
}

// NewPermissionDeny constructs a control_response that blocks tool execution.
//
// message is the human-readable reason relayed into the conversation.
// interrupt signals the agent to stop the current turn rather than continue.
func NewPermissionDeny(requestID string, message string, interrupt bool) ControlResponse {
	return ControlResponse{
		Type: MessageTypeControlResponse,
		Response: ControlResponsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response: PermissionResultDeny{
				Behavior:  PermissionBehaviorDeny,
				Message:   message,
				Interrupt: interrupt,
			},
		},
	}
}

// NewInterrupt constructs a control_request that interrupts the current turn.
func NewInterrupt(requestID string) ControlRequestToSend {
	return ControlRequestToSend{
		Type:      "control_request",
		RequestID: requestID,
		Request:   InterruptRequestToSend{Subtype: string(ControlRequestSubtypeInterrupt)},
	}
}

// NewSetPermissionMode constructs a control_request that changes the CLI
// permission mode.
func NewSetPermissionMode(requestID, mode string) ControlRequestToSend {
	return ControlRequestToSend{
		Type:      "control_request",
		RequestID: requestID,
		Request:   SetPermissionModeRequestToSend{Subtype: string(ControlRequestSubtypeSetPermissionMode), Mode: mode},
	}
}

// NewSetModel constructs a control_request that switches the model mid-session.
func NewSetModel(requestID, model string) ControlRequestToSend {
	return ControlRequestToSend{
		Type:      "control_request",
		RequestID: requestID,
		Request:   SetModelRequestToSend{Subtype: "set_model", Model: model},
	}
}
