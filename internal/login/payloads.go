package login

import "strings"

type platformError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type flowSubtask struct {
	SubtaskID string          `json:"subtask_id"`
	Errors    []platformError `json:"errors"`
	CTA       *struct {
		SecondaryText struct {
			Text string `json:"text"`
		} `json:"secondary_text"`
	} `json:"cta"`
}

// deniedMessage reports the platform's reason verbatim when it gave one.
func (subtask flowSubtask) deniedMessage() string {
	if len(subtask.Errors) > 0 && strings.TrimSpace(subtask.Errors[0].Message) != "" {
		return subtask.Errors[0].Message
	}
	if subtask.CTA != nil && strings.TrimSpace(subtask.CTA.SecondaryText.Text) != "" {
		return subtask.CTA.SecondaryText.Text
	}
	return defaultDeniedMessage
}

type flowResponse struct {
	FlowToken string          `json:"flow_token"`
	Status    string          `json:"status"`
	Subtasks  []flowSubtask   `json:"subtasks"`
	Errors    []platformError `json:"errors"`
}

func initialFlowPayload() map[string]any {
	return map[string]any{
		"flow_name": flowNameLogin,
		"input_flow_data": map[string]any{
			"flow_context": map[string]any{
				"debug_overrides": map[string]any{},
				"start_location":  map[string]any{"location": startLocationSplash},
			},
		},
	}
}

func subtaskPayload(flowToken string, subtaskID string, inputKey string, input map[string]any) map[string]any {
	return map[string]any{
		"flow_token": flowToken,
		"subtask_inputs": []map[string]any{{
			"subtask_id": subtaskID,
			inputKey:     input,
		}},
	}
}

func jsInstrumentationPayload(flowToken string) map[string]any {
	return subtaskPayload(flowToken, SubtaskJSInstrumentation, "js_instrumentation", map[string]any{
		"response": jsInstrumentationResponse,
		"link":     linkNext,
	})
}

func userIdentifierPayload(flowToken string, username string) map[string]any {
	return subtaskPayload(flowToken, SubtaskEnterUserIdentifier, "settings_list", map[string]any{
		"setting_responses": []map[string]any{{
			"key": settingKeyUserIdentifier,
			"response_data": map[string]any{
				"text_data": map[string]any{"result": username},
			},
		}},
		"link": linkNext,
	})
}

func passwordPayload(flowToken string, password string) map[string]any {
	return subtaskPayload(flowToken, SubtaskEnterPassword, "enter_password", map[string]any{
		"password": password,
		"link":     linkNext,
	})
}

func enterTextPayload(flowToken string, subtaskID string, text string) map[string]any {
	return subtaskPayload(flowToken, subtaskID, "enter_text", map[string]any{
		"text": text,
		"link": linkNext,
	})
}

func accountDuplicationPayload(flowToken string) map[string]any {
	return subtaskPayload(flowToken, SubtaskAccountDuplication, "check_logged_in_account", map[string]any{
		"link": linkAccountDuplicationNo,
	})
}
